// Package watcher reacts to rule files being created or rewritten under an
// upload directory tree.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Handler is called with the path of each created or written rule file.
// Calls happen one at a time on the watcher's goroutine.
type Handler func(ctx context.Context, path string) error

// Watcher watches a directory tree recursively. New subdirectories are added
// as they appear.
type Watcher struct {
	root    string
	handler Handler
	logger  *slog.Logger
	exts    []string

	mu     sync.Mutex
	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithExtensions overrides the rule file extensions, ".yar" and ".yara" by default.
func WithExtensions(exts ...string) Option {
	return func(w *Watcher) { w.exts = exts }
}

// New creates a Watcher for root. It does not start watching.
func New(root string, handler Handler, opts ...Option) *Watcher {
	w := &Watcher{
		root:    root,
		handler: handler,
		logger:  slog.Default(),
		exts:    []string{".yar", ".yara"},
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start creates root if needed, registers every directory below it and
// begins dispatching events. It returns once watching has begun.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw != nil {
		return errors.New("watcher already started")
	}
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return fmt.Errorf("create watch root: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := addTree(fsw, w.root); err != nil {
		fsw.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	w.fsw = fsw
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx, fsw, w.done)
	w.logger.Info("watching for rule files", "root", w.root)
	return nil
}

// Stop stops dispatching and waits for the in-flight handler call to return.
func (w *Watcher) Stop() {
	w.mu.Lock()
	fsw, cancel, done := w.fsw, w.cancel, w.done
	w.fsw, w.cancel, w.done = nil, nil, nil
	w.mu.Unlock()
	if fsw == nil {
		return
	}
	cancel()
	fsw.Close()
	<-done
	w.logger.Info("stopped watching", "root", w.root)
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "root", w.root, "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, fsw *fsnotify.Watcher, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if ev.Has(fsnotify.Create) {
			if err := addTree(fsw, ev.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err)
			}
			w.dispatchTree(ctx, ev.Name)
		}
		return
	}
	w.dispatch(ctx, ev.Name)
}

// dispatchTree handles files that landed in a directory before it was watched.
func (w *Watcher) dispatchTree(ctx context.Context, dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		w.dispatch(ctx, path)
		return ctx.Err()
	})
}

func (w *Watcher) dispatch(ctx context.Context, path string) {
	if !w.matches(path) {
		return
	}
	if err := w.handler(ctx, path); err != nil {
		w.logger.Warn("rule file handler failed", "path", path, "error", err)
	}
}

func (w *Watcher) matches(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range w.exts {
		if ext == e {
			return true
		}
	}
	return false
}

func addTree(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}
