package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors a YAML file and calls a callback when its content changes
// and still parses. Change notification comes from fsnotify on the file's
// directory (so editors that replace files by rename are seen); a polling
// ticker backs it up on filesystems without inotify support. Writes that
// leave the content hash unchanged are ignored.
type Watcher[T any] struct {
	path     string
	interval time.Duration
	parse    func(io.Reader) (T, error)
	onChange func(old, new T)
	log      *slog.Logger

	mu       sync.Mutex
	current  T
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// last known file state for change detection
	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*watcherOptions)

type watcherOptions struct {
	interval time.Duration
	log      *slog.Logger
	noNotify bool
}

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(o *watcherOptions) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. Default: [slog.Default].
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(o *watcherOptions) { o.log = l }
}

// WithPollingOnly disables fsnotify and relies on the ticker alone.
func WithPollingOnly() WatcherOption {
	return func(o *watcherOptions) { o.noNotify = true }
}

// NewWatcher creates a file watcher. It parses the file immediately, failing
// if the initial content is invalid, and then watches in the background.
func NewWatcher[T any](path string, parse func(io.Reader) (T, error), onChange func(old, new T), opts ...WatcherOption) (*Watcher[T], error) {
	o := watcherOptions{interval: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}

	w := &Watcher[T]{
		path:     path,
		interval: o.interval,
		parse:    parse,
		onChange: onChange,
		log:      o.log,
		done:     make(chan struct{}),
	}

	cur, hash, mtime, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cur
	w.lastHash = hash
	w.lastMtime = mtime

	var events <-chan fsnotify.Event
	var errs <-chan error
	var fsw *fsnotify.Watcher
	if !o.noNotify {
		fsw, err = fsnotify.NewWatcher()
		if err == nil {
			err = fsw.Add(filepath.Dir(path))
		}
		if err != nil {
			w.log.Warn("config watcher: fsnotify unavailable, polling only", "path", path, "err", err)
			if fsw != nil {
				fsw.Close()
				fsw = nil
			}
		} else {
			events, errs = fsw.Events, fsw.Errors
		}
	}

	w.wg.Add(1)
	go w.run(fsw, events, errs)
	return w, nil
}

// Current returns the most recently loaded valid value.
func (w *Watcher[T]) Current() T {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the watcher and waits for its goroutine to exit.
func (w *Watcher[T]) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
}

func (w *Watcher[T]) run(fsw *fsnotify.Watcher, events <-chan fsnotify.Event, errs <-chan error) {
	defer w.wg.Done()
	if fsw != nil {
		defer fsw.Close()
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	target := filepath.Clean(w.path)
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check(false)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.check(true)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.log.Warn("config watcher: fsnotify error", "path", w.path, "err", err)
		}
	}
}

// check reads the file and, if it has changed and is valid, calls onChange
// and updates the current value. notified skips the mtime shortcut since
// coarse filesystem timestamps can hide a fast rewrite.
func (w *Watcher[T]) check(notified bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	mtime := w.lastMtime
	w.mu.Unlock()

	if !notified && info.ModTime().Equal(mtime) {
		return
	}

	next, hash, newMtime, err := w.loadAndHash()
	if err != nil {
		w.log.Warn("config watcher: failed to load file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if hash == w.lastHash {
		// Touched, but the content is identical.
		w.lastMtime = newMtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = next
	w.lastHash = hash
	w.lastMtime = newMtime
	w.mu.Unlock()

	w.log.Info("config watcher: file reloaded", "path", w.path)

	// Invoke the callback outside the lock so it can safely call Current().
	if w.onChange != nil {
		w.onChange(old, next)
	}
}

// loadAndHash reads and parses the file, returning the value alongside the
// content hash and modification time.
func (w *Watcher[T]) loadAndHash() (T, [sha256.Size]byte, time.Time, error) {
	var zero T
	var zeroHash [sha256.Size]byte

	data, err := os.ReadFile(w.path)
	if err != nil {
		return zero, zeroHash, time.Time{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return zero, zeroHash, time.Time{}, err
	}

	v, err := w.parse(bytes.NewReader(data))
	if err != nil {
		return zero, zeroHash, time.Time{}, err
	}
	return v, sha256.Sum256(data), info.ModTime(), nil
}
