// Package watch keeps in-memory indexes consistent with externally edited
// files. It observes store roots recursively, debounces bursts per path, and
// hands reconciled paths to the owning store. Missed events are caught by a
// periodic full rescan.
package watch

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"membank/internal/async"
	"membank/internal/logging"
)

const (
	defaultDebounce       = 500 * time.Millisecond
	defaultRescanInterval = 60 * time.Second
)

// Reconciler is implemented by stores whose files live under a watched root.
type Reconciler interface {
	// ReconcilePath reparses path and inserts or updates its record. The
	// store decides whether the event was a self-write and suppresses it.
	ReconcilePath(path string) error
	// RemovePath evicts whatever record was loaded from path.
	RemovePath(path string) error
	// Rescan diffs the whole root against the index.
	Rescan() error
}

// Root pairs a directory tree with the store that reconciles it.
type Root struct {
	Dir        string
	Reconciler Reconciler
}

// Watcher observes one or more roots.
type Watcher struct {
	roots    []Root
	logger   logging.Logger
	debounce time.Duration
	rescan   time.Duration

	mu       sync.Mutex
	timers   map[string]*time.Timer
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option customizes watcher behavior.
type Option func(*Watcher)

// WithDebounce overrides the per-path debounce window.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithRescanInterval overrides the periodic full-scan interval.
func WithRescanInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.rescan = d
		}
	}
}

// New constructs a watcher over the given roots.
func New(logger logging.Logger, roots []Root, opts ...Option) *Watcher {
	w := &Watcher{
		roots:    roots,
		logger:   logging.OrNop(logger),
		debounce: defaultDebounce,
		rescan:   defaultRescanInterval,
		timers:   make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start attaches fsnotify watches recursively and launches the event and
// rescan loops.
func (w *Watcher) Start() error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.watcher = fsWatcher
	w.mu.Unlock()

	for _, root := range w.roots {
		if err := w.addRecursive(root.Dir); err != nil {
			w.logger.Warn("watch %s: %v", root.Dir, err)
		}
	}

	w.wg.Add(2)
	async.Go(w.logger, "watch.events", func() {
		defer w.wg.Done()
		w.eventLoop()
	})
	async.Go(w.logger, "watch.rescan", func() {
		defer w.wg.Done()
		w.rescanLoop()
	})
	return nil
}

// Stop terminates the watcher and waits for its loops.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		for path, timer := range w.timers {
			timer.Stop()
			delete(w.timers, path)
		}
		if w.watcher != nil {
			_ = w.watcher.Close()
		}
		w.mu.Unlock()
	})
	w.wg.Wait()
}

func (w *Watcher) addRecursive(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if isIgnoredName(d.Name()) && path != dir {
				return filepath.SkipDir
			}
			if addErr := w.watcher.Add(path); addErr != nil {
				w.logger.Warn("watch add %s: %v", path, addErr)
			}
		}
		return nil
	})
}

func (w *Watcher) eventLoop() {
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
			w.logger.Warn("watcher error: %v", err)
		}
	}
}

func (w *Watcher) rescanLoop() {
	ticker := time.NewTicker(w.rescan)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			for _, root := range w.roots {
				if err := root.Reconciler.Rescan(); err != nil {
					w.logger.Warn("rescan %s: %v", root.Dir, err)
				}
			}
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
	name := filepath.Base(event.Name)
	if isIgnoredName(name) {
		return
	}

	// New directories must be attached immediately; files inside them are
	// picked up by the rescan if their creation raced the Add.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Warn("watch new dir %s: %v", event.Name, err)
			}
			return
		}
	}
	if !isWatchedFile(name) {
		return
	}
	w.schedule(event.Name)
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[path]; ok {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.settle(path)
	})
}

func (w *Watcher) settle(path string) {
	root := w.rootFor(path)
	if root == nil {
		return
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			if remErr := root.Reconciler.RemovePath(path); remErr != nil {
				w.logger.Warn("remove %s: %v", path, remErr)
			}
			return
		}
		w.logger.Warn("stat %s: %v", path, err)
		return
	}
	if err := root.Reconciler.ReconcilePath(path); err != nil {
		w.logger.Warn("reconcile %s: %v", path, err)
	}
}

func (w *Watcher) rootFor(path string) *Root {
	cleaned := filepath.Clean(path)
	for i := range w.roots {
		rootDir := filepath.Clean(w.roots[i].Dir)
		if cleaned == rootDir || strings.HasPrefix(cleaned, rootDir+string(os.PathSeparator)) {
			return &w.roots[i]
		}
	}
	return nil
}

func isIgnoredName(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp")
}

func isWatchedFile(name string) bool {
	return strings.HasSuffix(name, ".md") || name == "tasks.json"
}
