package notify

import (
	"github.com/golang/glog"
)

// returns the live location of the displayed folder, e.g. `https://host/dav/docs/` or `/dav/docs/`.
// called before every comparison since navigation can change it between events
type LocationFunc func() string

// the item tree view that displays the current folder
type ItemTree interface {
	OpenFolder(path string) error
	GetChildren(path string) ([]string, error)
	// re-fetch and redisplay the children of the current folder
	Reload() error
	// navigate the view to an absolute path
	NavigateFolder(path string) error
}

type History interface {
	PushState(path string)
}

type Action string

const (
	ActionNone     Action = "none"
	ActionReload   Action = "reload"
	ActionRedirect Action = "redirect"
)

type ReconcileSettings struct {
	// fixed path prefix of the channel, stripped from locations and event paths
	Prefix string
	// where the view is sent when the current folder is deleted
	RootPath string
}

func DefaultReconcileSettings() *ReconcileSettings {
	return &ReconcileSettings{
		Prefix:   "",
		RootPath: RootPath,
	}
}

// Reconciler decides if a change event affects the displayed folder and corrects the view.
// Each event results in at most one collaborator action.
type Reconciler struct {
	location   LocationFunc
	tree       ItemTree
	history    History
	normalizer *PathNormalizer
	settings   *ReconcileSettings
}

func NewReconcilerWithDefaults(location LocationFunc, tree ItemTree, history History) *Reconciler {
	return NewReconciler(location, tree, history, DefaultReconcileSettings())
}

func NewReconciler(location LocationFunc, tree ItemTree, history History, settings *ReconcileSettings) *Reconciler {
	return &Reconciler{
		location:   location,
		tree:       tree,
		history:    history,
		normalizer: NewPathNormalizer(settings.Prefix),
		settings:   settings,
	}
}

func (self *Reconciler) CurrentFolder() string {
	return self.normalizer.NormalizeLocation(self.location())
}

func (self *Reconciler) Decide(event *ChangeEvent) Action {
	if err := event.Validate(); err != nil {
		glog.V(1).Infof("[r]drop %s = %s\n", event, err)
		return ActionNone
	}

	currentFolder := self.CurrentFolder()
	parentIsCurrent := func(p string) bool {
		return ParentFolder(self.normalizer.Normalize(p)) == currentFolder
	}

	switch event.Kind {
	case EventKindRefresh:
		if self.normalizer.Normalize(event.FolderPath) == currentFolder {
			return ActionReload
		}
	case EventKindCreated, EventKindUpdated, EventKindLocked, EventKindUnlocked:
		if parentIsCurrent(event.ItemPath) {
			return ActionReload
		}
	case EventKindMoved:
		// the item may have left the folder, entered it, or both
		if parentIsCurrent(event.ItemPath) || parentIsCurrent(event.TargetPath) {
			return ActionReload
		}
	case EventKindDeleted:
		// a child of the current folder was removed.
		// this must be checked before the ancestor test
		if parentIsCurrent(event.ItemPath) {
			return ActionReload
		}
		// the current folder, or one of its ancestors, no longer exists
		if IsSameOrUnder(currentFolder, self.normalizer.Normalize(event.ItemPath)) {
			return ActionRedirect
		}
	}
	return ActionNone
}

// performs the action for the event, if any
func (self *Reconciler) Handle(event *ChangeEvent) Action {
	action := self.Decide(event)
	switch action {
	case ActionReload:
		glog.V(2).Infof("[r]reload %s\n", event)
		if err := self.tree.Reload(); err != nil {
			glog.Warningf("[r]reload %s error = %s\n", event, err)
		}
	case ActionRedirect:
		glog.V(2).Infof("[r]redirect %s -> %s\n", event, self.settings.RootPath)
		self.history.PushState(self.settings.RootPath)
		if err := self.tree.NavigateFolder(self.settings.RootPath); err != nil {
			glog.Warningf("[r]navigate %s error = %s\n", self.settings.RootPath, err)
		}
	}
	return action
}
