package server

import (
	"context"
	"io/fs"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const debounceSettingsRereadDuration = time.Second * 5

const (
	SettingBackendHost           = "backend.host"
	SettingBackendPort           = "backend.port"
	SettingStatusVersionName     = "status.version-name"
	SettingStatusVersionProtocol = "status.version-protocol"
	SettingStatusMaxPlayers      = "status.max-players"
	SettingStatusOnlinePlayers   = "status.online-players"
	SettingStatusMotd            = "status.motd"
	SettingStatusOfflineLabel    = "status.offline-label"
	SettingStatusFavicon         = "status.favicon"
)

// StatusSettings is a consistent view of the status values at one instant.
type StatusSettings struct {
	VersionName     string
	VersionProtocol int
	MaxPlayers      int
	OnlinePlayers   int
	Motd            string
	OfflineLabel    string
	FaviconPath     string
}

// SettingsProvider gives read access to the live settings. Values are read on every call so
// that changes apply to the next status response or login.
type SettingsProvider interface {
	BackendAddress() string
	Status() StatusSettings
}

// Settings keeps the live settings in a viper instance seeded with the process configuration and
// overlaid with the optional settings file.
type Settings struct {
	sync.RWMutex
	defaults *Config
	v        *viper.Viper
	fileName string
	debounce time.Duration
}

func NewSettings(defaults *Config) *Settings {
	return &Settings{
		defaults: defaults,
		v:        newSettingsViper(defaults),
		debounce: debounceSettingsRereadDuration,
	}
}

func newSettingsViper(defaults *Config) *viper.Viper {
	v := viper.New()
	v.SetDefault(SettingBackendHost, defaults.Backend.Host)
	v.SetDefault(SettingBackendPort, defaults.Backend.Port)
	v.SetDefault(SettingStatusVersionName, defaults.Status.VersionName)
	v.SetDefault(SettingStatusVersionProtocol, defaults.Status.VersionProtocol)
	v.SetDefault(SettingStatusMaxPlayers, defaults.Status.MaxPlayers)
	v.SetDefault(SettingStatusOnlinePlayers, defaults.Status.OnlinePlayers)
	v.SetDefault(SettingStatusMotd, defaults.Status.Motd)
	v.SetDefault(SettingStatusOfflineLabel, defaults.Status.OfflineLabel)
	v.SetDefault(SettingStatusFavicon, defaults.Status.Favicon)
	return v
}

// Load reads the settings file, if it exists, on top of the defaults. A missing file is not an
// error so that it can be created later and picked up by WatchForChanges.
func (s *Settings) Load(fileName string) error {
	s.Lock()
	s.fileName = fileName
	s.Unlock()

	logrus.WithField("settingsFile", fileName).Info("Loading settings file")

	err := s.Reload()
	if errors.Is(err, fs.ErrNotExist) {
		logrus.WithField("settingsFile", fileName).Info("Settings file does not exist, using defaults")
		return nil
	}
	return err
}

// Reload re-reads the settings file and swaps the new values in at once. Values assigned with
// Set are discarded.
func (s *Settings) Reload() error {
	s.RLock()
	fileName := s.fileName
	s.RUnlock()

	v := newSettingsViper(s.defaults)
	if fileName != "" {
		if _, err := os.Stat(fileName); err != nil {
			return errors.Wrap(err, "Could not load the settings file")
		}
		v.SetConfigFile(fileName)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrap(err, "Could not parse the settings file")
		}
	}

	s.Lock()
	s.v = v
	s.Unlock()

	logrus.WithField("settingsFile", fileName).Debug("Settings loaded")
	return nil
}

func (s *Settings) WatchForChanges(ctx context.Context) error {
	s.RLock()
	fileName := s.fileName
	debounce := s.debounce
	s.RUnlock()

	if fileName == "" {
		return errors.New("settings file needs to be specified first")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "Could not create a watcher")
	}

	err = watcher.Add(fileName)
	if err != nil {
		_ = watcher.Close()
		return errors.Wrap(err, "Could not watch the settings file")
	}

	go func() {
		logrus.WithField("file", fileName).Info("Watching settings file")

		debounceTimerChan := make(<-chan time.Time)
		var debounceTimer *time.Timer

		//goland:noinspection GoUnhandledErrorResult
		defer watcher.Close()
		for {
			select {

			case event, ok := <-watcher.Events:
				if !ok {
					logrus.Debug("Watcher events channel closed")
					return
				}
				logrus.
					WithField("file", event.Name).
					WithField("op", event.Op).
					Trace("fs event received")
				if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
					if debounceTimer == nil {
						debounceTimer = time.NewTimer(debounce)
					} else {
						debounceTimer.Reset(debounce)
					}
					debounceTimerChan = debounceTimer.C
					logrus.WithField("delay", debounce).Debug("Will re-read settings file after delay")
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logrus.WithError(err).Warn("Settings file watcher reported an error")

			case <-debounceTimerChan:
				if err := s.Reload(); err != nil {
					logrus.
						WithError(err).
						WithField("settingsFile", fileName).
						Error("Could not re-read the settings file")
				} else {
					logrus.WithField("settingsFile", fileName).Info("Re-loaded settings file")
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Set overrides a single setting until the next reload.
func (s *Settings) Set(key string, value interface{}) {
	s.Lock()
	defer s.Unlock()
	s.v.Set(key, value)
}

func (s *Settings) BackendAddress() string {
	s.RLock()
	defer s.RUnlock()
	return net.JoinHostPort(s.v.GetString(SettingBackendHost), strconv.Itoa(s.v.GetInt(SettingBackendPort)))
}

func (s *Settings) Status() StatusSettings {
	s.RLock()
	defer s.RUnlock()
	return StatusSettings{
		VersionName:     s.v.GetString(SettingStatusVersionName),
		VersionProtocol: s.v.GetInt(SettingStatusVersionProtocol),
		MaxPlayers:      s.v.GetInt(SettingStatusMaxPlayers),
		OnlinePlayers:   s.v.GetInt(SettingStatusOnlinePlayers),
		Motd:            s.v.GetString(SettingStatusMotd),
		OfflineLabel:    s.v.GetString(SettingStatusOfflineLabel),
		FaviconPath:     s.v.GetString(SettingStatusFavicon),
	}
}
