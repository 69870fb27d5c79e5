package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads the YAML config file over the defaults and optionally
// watches it for changes. Get is safe to call from any goroutine.
type Loader struct {
	logger *slog.Logger

	mu  sync.RWMutex
	cfg *Config

	watchMu   sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewLoader creates a Loader holding the default configuration.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		logger: logger.With("component", "config.Loader"),
		cfg:    DefaultConfig(),
	}
}

// Load reads path, unmarshals it over the defaults and validates the
// result. On any error the previously held config stays in effect.
func (l *Loader) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config in %s: %w", path, err)
	}

	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()

	l.logger.Info("config loaded", "path", path)
	return nil
}

// Get returns the current configuration.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Watch starts an fsnotify watcher on the config file. When the file is
// rewritten it is reloaded and onReload is invoked with the new config.
// Reload failures keep the previous config and are logged. Call
// StopWatch to clean up.
func (l *Loader) Watch(path string, onReload func(*Config)) error {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()

	if l.watcher != nil {
		l.stopWatchLocked()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	// Watch the directory rather than the file to catch editor
	// rename-and-replace patterns.
	dir := filepath.Dir(absPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watching directory %s: %w", dir, err)
	}

	l.watcher = w
	l.watchDone = make(chan struct{})

	go l.watchLoop(w, l.watchDone, absPath, onReload)

	l.logger.Info("watching config for changes", "path", absPath)
	return nil
}

func (l *Loader) watchLoop(watcher *fsnotify.Watcher, done chan struct{}, targetPath string, onReload func(*Config)) {
	defer close(done)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			absEvent, _ := filepath.Abs(event.Name)
			if absEvent != targetPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := l.Load(targetPath); err != nil {
					l.logger.Error("config reload failed, keeping previous config", "error", err)
					continue
				}
				if onReload != nil {
					onReload(l.Get())
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("fsnotify error", "error", err)
		}
	}
}

// StopWatch stops the config file watcher, if running.
func (l *Loader) StopWatch() {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	l.stopWatchLocked()
}

func (l *Loader) stopWatchLocked() {
	if l.watcher != nil {
		_ = l.watcher.Close()
		if l.watchDone != nil {
			<-l.watchDone
		}
		l.watcher = nil
		l.watchDone = nil
	}
}
