package modules

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	plerrors "github.com/ha1tch/pljs/pkg/errors"
	"github.com/ha1tch/pljs/pkg/log"
)

// Watcher reloads the library when module files change on disk and then
// invokes a callback, typically to invalidate live engine contexts so
// the next call per principal picks up the new module set.
//
// Events are debounced: editors produce bursts of writes and renames for
// a single save, and the library should reload once per burst.
type Watcher struct {
	lib      *Library
	onReload func()
	debounce time.Duration
	logger   *log.Logger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	timer   *time.Timer
	done    chan struct{}
	running bool
}

// NewWatcher creates a watcher over a library. onReload runs after every
// successful reload; it may be nil.
func NewWatcher(lib *Library, onReload func(), logger *log.Logger) *Watcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Watcher{
		lib:      lib,
		onReload: onReload,
		debounce: 250 * time.Millisecond,
		logger:   logger,
	}
}

// Start begins watching the library's module directory.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	if w.lib.Dir() == "" {
		return plerrors.New(plerrors.ErrCodeConfigInvalid,
			"cannot watch a library without a module directory").
			WithOp("Watcher.Start").
			Err()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return plerrors.Wrap(err, plerrors.ErrCodeInternal,
			"failed to create filesystem watcher").
			WithOp("Watcher.Start").
			Err()
	}
	if err := fsw.Add(w.lib.Dir()); err != nil {
		fsw.Close()
		return plerrors.Wrapf(err, plerrors.ErrCodeConfigInvalid,
			"failed to watch module directory %q", w.lib.Dir()).
			WithOp("Watcher.Start").
			Err()
	}

	w.fsw = fsw
	w.done = make(chan struct{})
	w.running = true
	go w.loop()

	w.logger.System().Info("module watcher started", "dir", w.lib.Dir())
	return nil
}

// Stop stops watching. Safe to call twice.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	w.running = false
	close(w.done)
	w.fsw.Close()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !relevant(event) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.System().Error("module watcher error", err)
		}
	}
}

func relevant(event fsnotify.Event) bool {
	if !strings.HasSuffix(filepath.Base(event.Name), ".js") {
		return false
	}
	return event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	if err := w.lib.Reload(); err != nil {
		w.logger.System().Error("module reload failed", err)
		return
	}
	w.logger.System().Info("module library reloaded", "modules", w.lib.Len())
	if w.onReload != nil {
		w.onReload()
	}
}
