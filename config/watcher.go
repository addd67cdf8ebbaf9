package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads a configuration file when it changes on disk.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration
	onReload func(*Config)
	logger   *logrus.Entry

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher watches the directory containing path; editors replace files
// with rename, which a watch on the file itself would lose.
// onReload receives the freshly loaded config. Invalid configs are logged and skipped.
func NewWatcher(path string, debounce time.Duration, onReload func(*Config), logger *logrus.Entry) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, err
	}

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return nil, err
	}

	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Watcher{
		watcher:  watcher,
		path:     absPath,
		debounce: debounce,
		onReload: onReload,
		logger:   logger,
	}, nil
}

// Start processes file events until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			w.logger.Debugf("fsnotify event: %s op=%v", event.Name, event.Op)
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("Watcher error: %v", err)
		case <-ctx.Done():
			w.Close()
			return
		}
	}
}

// schedule coalesces rapid writes into one reload after the debounce window.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.WithError(err).Warn("Ignoring invalid config change")
		return
	}

	w.logger.Infof("Config changed: %s", filepath.Base(w.path))
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Close stops the watcher and releases resources.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}
