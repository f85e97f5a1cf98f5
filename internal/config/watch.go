package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the override config file and the persona preset
// directory for changes and invokes a callback, debounced, so a running
// process can pick up edits without a restart. It has no opinion on what
// "reload" means for its caller; it only tells it when to look again.
type Watcher struct {
	watcher  *fsnotify.Watcher
	paths    []string
	debounce time.Duration
	onChange func()
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher builds a Watcher over paths (files or directories). A path
// that doesn't exist yet is watched through its parent directory, since
// the override config file in particular may not exist until the user
// first runs `config set`; if the parent is missing too, the path is
// skipped rather than failing construction.
func NewWatcher(paths []string, debounce time.Duration, onChange func(), logger *slog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default().With("component", "config-watch")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fsw,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
	}

	for _, path := range paths {
		w.addPath(path)
	}

	return w, nil
}

// addPath registers path (or, for a file, its parent directory, since
// editors commonly replace a file via rename-into-place rather than an
// in-place write that fsnotify would catch on the original inode).
func (w *Watcher) addPath(path string) {
	info, err := os.Stat(path)
	target := path
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("config watch stat failed", "path", path, "error", err)
			return
		}
		target = filepath.Dir(path)
		if _, err := os.Stat(target); err != nil {
			return
		}
	} else if !info.IsDir() {
		target = filepath.Dir(path)
	}

	if err := w.watcher.Add(target); err != nil {
		w.logger.Warn("config watch add failed", "path", target, "error", err)
		return
	}
	w.paths = append(w.paths, path)
}

// Start begins the watch loop in the background. It returns immediately;
// call Close to stop.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(ctx)
}

// Close stops the watch loop and releases the underlying fsnotify handle.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.mu.Unlock()

	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			if w.onChange != nil {
				w.onChange()
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}
