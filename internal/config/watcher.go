package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"membank/internal/async"
	"membank/internal/logging"
)

const defaultSettingsDebounce = 750 * time.Millisecond

// Watcher monitors the settings file and republishes snapshots on change.
type Watcher struct {
	path     string
	store    *Store
	logger   logging.Logger
	debounce time.Duration
	onReload func(Settings)

	mu       sync.Mutex
	timer    *time.Timer
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher constructs a watcher for the settings path.
func NewWatcher(path string, store *Store, logger logging.Logger, onReload func(Settings)) (*Watcher, error) {
	if store == nil {
		return nil, fmt.Errorf("settings store required")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("settings path required")
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &Watcher{
		path:     filepath.Clean(path),
		store:    store,
		logger:   logging.OrNop(logger),
		debounce: defaultSettingsDebounce,
		onReload: onReload,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins watching the settings file directory.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = fsWatcher
	w.mu.Unlock()

	if err := fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		_ = fsWatcher.Close()
		w.mu.Lock()
		w.watcher = nil
		w.mu.Unlock()
		return err
	}

	async.Go(w.logger, "settings.watch", w.watchLoop)
	return nil
}

// Stop terminates the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		if w.watcher != nil {
			_ = w.watcher.Close()
			w.watcher = nil
		}
		w.mu.Unlock()
	})
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("settings watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Name == "" {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if filepath.Clean(event.Name) != w.path {
		return
	}
	w.scheduleReload()
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		next, err := Load(w.path)
		if err != nil {
			w.logger.Warn("settings reload failed: %v", err)
			return
		}
		w.store.Replace(next)
		w.logger.Info("settings reloaded from %s", w.path)
		if w.onReload != nil {
			w.onReload(w.store.Current())
		}
	})
}
