// Package watcher reports changes to pipeline input files with fsnotify and debouncing.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/lexsub/internal/fileid"
)

const defaultDebounce = 400 * time.Millisecond

// target is one watched input: a file, or a directory whose files all count.
type target struct {
	path        string
	dir         bool
	fingerprint string
}

// Watcher watches input files and calls onChange once per burst of edits.
type Watcher struct {
	targets     map[string]*target
	onChange    func(path string)
	debounce    time.Duration
	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	debounceMap map[string]*time.Timer
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
	logger      *zap.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets a logger for change and skip events.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce sets the quiet period before onChange fires.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher for paths. A path may be a file or a directory;
// for a directory any change to a file inside it reports the directory.
func NewWatcher(paths []string, onChange func(path string), opts ...Option) *Watcher {
	w := &Watcher{
		targets:     make(map[string]*target),
		onChange:    onChange,
		debounce:    defaultDebounce,
		debounceMap: make(map[string]*time.Timer),
		done:        make(chan struct{}),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		abs = filepath.Clean(abs)
		w.targets[abs] = &target{path: abs}
	}
	return w
}

// Start begins watching. It runs until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	w.started = true

	watched := make(map[string]bool)
	for _, t := range w.targets {
		info, err := os.Stat(t.path)
		if err != nil {
			_ = w.closeLocked()
			w.mu.Unlock()
			return err
		}
		t.dir = info.IsDir()
		// editors replace files by rename, so the parent directory is watched
		dir := filepath.Dir(t.path)
		if t.dir {
			dir = t.path
		} else {
			t.fingerprint, _ = fileid.Fingerprint(t.path)
		}
		if watched[dir] {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			_ = w.closeLocked()
			w.mu.Unlock()
			return err
		}
		watched[dir] = true
	}
	w.logger.Debug("watcher starting", zap.Strings("paths", w.pathsLocked()), zap.Duration("debounce", w.debounce))
	w.mu.Unlock()
	go w.run(ctx)
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	w.mu.Lock()
	fw := w.watcher
	w.mu.Unlock()
	if fw == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Debug("watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
		return
	}
	key, ok := w.match(ev.Name)
	if !ok {
		return
	}
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", ev.Name))
	w.debounceChange(key)
}

// match returns the target a changed path belongs to.
func (w *Watcher) match(path string) (string, bool) {
	clean := filepath.Clean(path)
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.targets[clean]; ok && !t.dir {
		return t.path, true
	}
	if t, ok := w.targets[filepath.Dir(clean)]; ok && t.dir {
		return t.path, true
	}
	return "", false
}

func (w *Watcher) debounceChange(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
	}
	w.debounceMap[path] = time.AfterFunc(w.debounce, func() { w.fire(path) })
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	delete(w.debounceMap, path)
	t, ok := w.targets[path]
	if !ok || !w.started {
		w.mu.Unlock()
		return
	}
	if !t.dir {
		fp, err := fileid.Fingerprint(path)
		if err != nil {
			w.mu.Unlock()
			w.logger.Warn("watched file unavailable", zap.String("path", path), zap.Error(err))
			return
		}
		if fp == t.fingerprint {
			w.mu.Unlock()
			w.logger.Debug("watched file unchanged", zap.String("path", path))
			return
		}
		t.fingerprint = fp
	}
	onChange := w.onChange
	w.mu.Unlock()
	w.logger.Info("input changed", zap.String("path", path))
	if onChange != nil {
		onChange(path)
	}
}

// Paths returns the watched paths, sorted.
func (w *Watcher) Paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pathsLocked()
}

func (w *Watcher) pathsLocked() []string {
	out := make([]string, 0, len(w.targets))
	for p := range w.targets {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (w *Watcher) closeLocked() error {
	for path, t := range w.debounceMap {
		t.Stop()
		delete(w.debounceMap, path)
	}
	var err error
	if w.watcher != nil {
		err = w.watcher.Close()
		w.watcher = nil
	}
	w.started = false
	return err
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	_ = w.closeLocked()
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
