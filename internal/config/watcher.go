package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PolicyWatcher reports changes to a policy file. Editors often replace a
// file instead of writing it, so the parent directory is watched and events
// are filtered by name.
type PolicyWatcher struct {
	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	path      string
	debounce  time.Duration
	callbacks []func(text string)
	logger    *slog.Logger
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// WatcherOption configures a PolicyWatcher.
type WatcherOption func(*PolicyWatcher)

// WithDebounce sets how long the file must be quiet before a reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *PolicyWatcher) { w.debounce = d }
}

// WithWatchLogger sets the logger used for reload failures.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *PolicyWatcher) { w.logger = l }
}

// NewPolicyWatcher creates a watcher for path. Call Watch to start it.
func NewPolicyWatcher(path string, opts ...WatcherOption) (*PolicyWatcher, error) {
	if path == "" {
		return nil, fmt.Errorf("policy path is required for watching")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve policy path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &PolicyWatcher{
		watcher:  fw,
		path:     abs,
		debounce: 300 * time.Millisecond,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Path returns the absolute path being watched.
func (w *PolicyWatcher) Path() string { return w.path }

// OnChange registers fn to receive the new file contents after each change.
func (w *PolicyWatcher) OnChange(fn func(text string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Watch blocks until ctx is cancelled or Stop is called.
func (w *PolicyWatcher) Watch(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher: fsnotify error", "err", err)
		}
	}
}

func (w *PolicyWatcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		// A rename leaves a gap before the replacement lands.
		w.logger.Warn("watcher: read policy failed", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	callbacks := make([]func(string), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("watcher: policy changed", "path", w.path, "bytes", len(data))
	for _, cb := range callbacks {
		cb(string(data))
	}
}

// Stop ends Watch and releases the fsnotify handle.
func (w *PolicyWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()
	})
	return err
}
