package notify

import (
	"context"
)

type WatcherSettings struct {
	// page origin, e.g. `https://files.example.com`
	Origin string
	// path of the push channel under the origin
	ChannelPath       string
	ChannelSettings   *ChannelSettings
	ReconcileSettings *ReconcileSettings
}

func DefaultWatcherSettings() *WatcherSettings {
	return &WatcherSettings{
		ChannelPath:       "/notifications",
		ChannelSettings:   DefaultChannelSettings(),
		ReconcileSettings: DefaultReconcileSettings(),
	}
}

// FolderWatcher keeps the displayed folder in sync with server change events.
type FolderWatcher struct {
	reconciler     *Reconciler
	channelManager *ChannelManager
}

func NewFolderWatcher(
	ctx context.Context,
	settings *WatcherSettings,
	location LocationFunc,
	tree ItemTree,
	history History,
	auth *ChannelAuth,
) (*FolderWatcher, error) {
	endpointUrl, err := EndpointUrl(settings.Origin, settings.ChannelPath)
	if err != nil {
		return nil, err
	}
	reconciler := NewReconciler(location, tree, history, settings.ReconcileSettings)
	channelManager := NewChannelManager(
		ctx,
		endpointUrl,
		auth,
		func(event *ChangeEvent) {
			reconciler.Handle(event)
		},
		settings.ChannelSettings,
	)
	return &FolderWatcher{
		reconciler:     reconciler,
		channelManager: channelManager,
	}, nil
}

func (self *FolderWatcher) Reconciler() *Reconciler {
	return self.reconciler
}

func (self *FolderWatcher) ChannelManager() *ChannelManager {
	return self.channelManager
}

func (self *FolderWatcher) Done() <-chan struct{} {
	return self.channelManager.Done()
}

func (self *FolderWatcher) Close() {
	self.channelManager.Close()
}
