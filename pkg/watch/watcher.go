// Package watch reruns work when fixture files change on disk.
package watch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ajaxrace/ajaxrace/pkg/errors"
)

// DefaultDebounce is how long a file must stay quiet before OnChange runs.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reports fixture files whose content changed. Saves that leave
// the content as it was are not reported.
type Watcher struct {
	fs       *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	digests map[string][]byte
	pending map[string]*time.Timer
	busy    map[string]bool

	OnChange func(path string) error
	OnError  func(path string, err error)
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period before a change is reported.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l.With("component", "watch") }
}

// NewWatcher creates a watcher with nothing watched yet.
func NewWatcher(opts ...Option) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeUnknown, "failed to create watcher")
	}

	w := &Watcher{
		fs:       fs,
		debounce: DefaultDebounce,
		logger:   slog.Default().With("component", "watch"),
		digests:  make(map[string][]byte),
		pending:  make(map[string]*time.Timer),
		busy:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func digest(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// Watch adds a file. Its current content is the baseline for changes.
func (w *Watcher) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, errors.CodeFixtureInvalid, "failed to resolve path")
	}
	sum, err := digest(abs)
	if err != nil {
		return errors.Wrap(err, errors.CodeFixtureNotFound, "failed to read file").
			WithContext("path", abs)
	}

	w.mu.Lock()
	w.digests[abs] = sum
	w.mu.Unlock()

	// Editors replace files by rename, so watch the directory.
	dir := filepath.Dir(abs)
	if err := w.fs.Add(dir); err != nil {
		return errors.Wrap(err, errors.CodeUnknown, "failed to watch directory").
			WithContext("dir", dir)
	}
	w.logger.Debug("watching", "path", abs)
	return nil
}

// Run delivers changes until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stopPending()

	for {
		select {
		case <-ctx.Done():
			w.fs.Close()
			return ctx.Err()

		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.schedule(ev.Name)
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "err", err)
			if w.OnError != nil {
				w.OnError("", err)
			}
		}
	}
}

// schedule (re)starts the debounce timer of a watched file.
func (w *Watcher) schedule(name string) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.digests[abs]; !ok {
		return
	}
	if t, ok := w.pending[abs]; ok {
		t.Stop()
	}
	w.pending[abs] = time.AfterFunc(w.debounce, func() { w.check(abs) })
}

func (w *Watcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) check(path string) {
	sum, err := digest(path)
	if err != nil {
		if w.OnError != nil {
			w.OnError(path, err)
		}
		return
	}

	w.mu.Lock()
	delete(w.pending, path)
	if w.busy[path] || bytes.Equal(sum, w.digests[path]) {
		w.mu.Unlock()
		return
	}
	w.digests[path] = sum
	w.busy[path] = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.busy, path)
		w.mu.Unlock()
	}()

	w.logger.Info("file changed", "path", path)
	if w.OnChange != nil {
		if err := w.OnChange(path); err != nil && w.OnError != nil {
			w.OnError(path, err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}
