package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const reloadDebounce = 300 * time.Millisecond

// ConfigWatcher reloads the config file when it changes and hands the new
// config to the registered callbacks. An invalid file keeps the old config.
type ConfigWatcher struct {
	path        string
	watcher     *fsnotify.Watcher
	callbacks   []func(*Config)
	stopCh      chan struct{}
	mu          sync.RWMutex
	running     bool
	lastModTime time.Time
	debounce    time.Duration
}

// NewConfigWatcher creates a watcher for path.
func NewConfigWatcher(path string) (*ConfigWatcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config watcher needs a file path")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &ConfigWatcher{
		path:     path,
		watcher:  watcher,
		stopCh:   make(chan struct{}),
		debounce: reloadDebounce,
	}, nil
}

// AddCallback adds a callback function to be called when configuration changes
func (cw *ConfigWatcher) AddCallback(callback func(*Config)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// Start starts watching. The directory is watched so editors that replace
// the file on save are handled.
func (cw *ConfigWatcher) Start() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.running {
		return fmt.Errorf("watcher is already running")
	}
	if stat, err := os.Stat(cw.path); err == nil {
		cw.lastModTime = stat.ModTime()
	}
	if err := cw.watcher.Add(filepath.Dir(cw.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	cw.running = true
	go cw.watchLoop()
	return nil
}

// Stop stops the configuration watcher
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.running {
		return nil
	}
	cw.running = false
	close(cw.stopCh)
	return cw.watcher.Close()
}

func (cw *ConfigWatcher) watchLoop() {
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !cw.isConfigEvent(event) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(cw.debounce, cw.handleConfigChange)

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logrus.WithError(err).Warn("[config] watcher error")

		case <-cw.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

func (cw *ConfigWatcher) isConfigEvent(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != filepath.Clean(cw.path) {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (cw *ConfigWatcher) handleConfigChange() {
	stat, err := os.Stat(cw.path)
	if err != nil {
		return
	}
	cw.mu.Lock()
	if !stat.ModTime().After(cw.lastModTime) {
		cw.mu.Unlock()
		return
	}
	cw.lastModTime = stat.ModTime()
	cw.mu.Unlock()

	if err := cw.TriggerReload(); err != nil {
		logrus.WithError(err).Warn("[config] reload failed, keeping previous configuration")
	}
}

// TriggerReload reloads the file now and notifies callbacks on success.
func (cw *ConfigWatcher) TriggerReload() error {
	cfg, err := Load(cw.path)
	if err != nil {
		return err
	}

	cw.mu.RLock()
	callbacks := make([]func(*Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.RUnlock()

	for _, callback := range callbacks {
		callback(cfg)
	}
	logrus.WithField("file", cw.path).Info("[config] configuration reloaded")
	return nil
}
