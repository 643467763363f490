package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bringyour/foldernotify/notify"
)

// WatchConfig overlays a watcher's settings. Zero values keep the current setting.
//
//	origin: https://files.example.com
//	channel_path: /notifications
//	prefix: /dav
//	reconnect_timeout: 5s
type WatchConfig struct {
	Origin           string            `yaml:"origin"`
	ChannelPath      string            `yaml:"channel_path"`
	Prefix           string            `yaml:"prefix"`
	RootPath         string            `yaml:"root_path"`
	HandshakeTimeout time.Duration     `yaml:"handshake_timeout"`
	ReconnectTimeout time.Duration     `yaml:"reconnect_timeout"`
	PingTimeout      time.Duration     `yaml:"ping_timeout"`
	ReadTimeout      time.Duration     `yaml:"read_timeout"`
	WriteTimeout     time.Duration     `yaml:"write_timeout"`
	Header           map[string]string `yaml:"header"`
}

func LoadWatchConfig(path string) (*WatchConfig, error) {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseWatchConfig(configBytes)
}

func ParseWatchConfig(configBytes []byte) (*WatchConfig, error) {
	config := &WatchConfig{}
	if err := yaml.Unmarshal(configBytes, config); err != nil {
		return nil, err
	}
	return config, nil
}

func (self *WatchConfig) Apply(settings *notify.WatcherSettings) {
	setString := func(out *string, value string) {
		if value != "" {
			*out = value
		}
	}
	setDuration := func(out *time.Duration, value time.Duration) {
		if 0 < value {
			*out = value
		}
	}

	setString(&settings.Origin, self.Origin)
	setString(&settings.ChannelPath, self.ChannelPath)
	setString(&settings.ReconcileSettings.Prefix, self.Prefix)
	setString(&settings.ReconcileSettings.RootPath, self.RootPath)

	channelSettings := settings.ChannelSettings
	setDuration(&channelSettings.HandshakeTimeout, self.HandshakeTimeout)
	setDuration(&channelSettings.ReconnectTimeout, self.ReconnectTimeout)
	setDuration(&channelSettings.PingTimeout, self.PingTimeout)
	setDuration(&channelSettings.ReadTimeout, self.ReadTimeout)
	setDuration(&channelSettings.WriteTimeout, self.WriteTimeout)

	if 0 < len(self.Header) {
		if channelSettings.Header == nil {
			channelSettings.Header = map[string][]string{}
		}
		for key, value := range self.Header {
			channelSettings.Header.Set(key, value)
		}
	}
}
