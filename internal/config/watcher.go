package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the data directory's .env file and invokes a callback
// when it changes, so operators can adjust tunables without editing code.
// The engine still decides which settings take effect without a restart.
type Watcher struct {
	envPath     string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	onReload    func(*Config)
	mu          sync.Mutex
	lastModTime time.Time
	stopped     bool
}

// NewWatcher creates a watcher over cfg.DataDir/.env. onReload receives a
// freshly loaded Config after each change.
func NewWatcher(cfg *Config, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		envPath:  filepath.Join(cfg.DataDir, ".env"),
		watcher:  fsw,
		stopChan: make(chan struct{}),
		onReload: onReload,
	}
	if info, err := os.Stat(w.envPath); err == nil {
		w.lastModTime = info.ModTime()
	}

	// Watch the directory, not the file: editors and provisioning tools
	// replace .env with rename+create, which drops a file-level watch.
	if err := fsw.Add(cfg.DataDir); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Start runs the watch loop until Stop is called.
func (w *Watcher) Start() {
	go w.loop()
	log.Info().Str("file", w.envPath).Msg("Config watcher started")
}

func (w *Watcher) loop() {
	// Debounce timer: multiple fsnotify events fire for a single save.
	var pending *time.Timer

	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.envPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(500*time.Millisecond, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	info, err := os.Stat(w.envPath)
	if err != nil {
		return
	}

	w.mu.Lock()
	if !info.ModTime().After(w.lastModTime) {
		w.mu.Unlock()
		return
	}
	w.lastModTime = info.ModTime()
	w.mu.Unlock()

	cfg, err := Load()
	if err != nil {
		log.Error().Err(err).Msg("Config reload failed validation, keeping current settings")
		return
	}

	log.Info().Str("file", w.envPath).Msg("Configuration reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Stop shuts the watcher down. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.stopChan)
	w.watcher.Close()
}
