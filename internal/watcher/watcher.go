// Package watcher turns raw filesystem notifications into normalized
// changes for the processing pipeline. Each watched root is covered
// recursively; bursts of notifications on one path are debounced and the
// final state of the file decides whether a create, modify, or delete is
// reported.
package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"hackstone/internal/baseline"
	"hackstone/internal/govern"
	"hackstone/internal/logging"
	"hackstone/internal/model"
	"hackstone/internal/pipeline"
)

const tickInterval = 250 * time.Millisecond

// Watcher observes the configured roots and feeds the pipeline.
type Watcher struct {
	roots    []string // absolute, symlink-resolved
	debounce time.Duration

	store  *baseline.Store
	filter *govern.Filter
	proc   *pipeline.Processor
	log    *logging.Logger

	fs *fsnotify.Watcher

	// pending: absolute path -> time of last notification
	mu      sync.Mutex
	pending map[string]time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher over the given root directories. Roots are resolved
// to absolute, symlink-free paths up front so later escape checks have a
// stable reference.
func New(roots []string, debounce time.Duration, store *baseline.Store, filter *govern.Filter, proc *pipeline.Processor, log *logging.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	resolved := make([]string, 0, len(roots))
	for _, r := range roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			fs.Close()
			return nil, err
		}
		if real, err := filepath.EvalSymlinks(abs); err == nil {
			abs = real
		}
		resolved = append(resolved, abs)
	}

	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	return &Watcher{
		roots:    resolved,
		debounce: debounce,
		store:    store,
		filter:   filter,
		proc:     proc,
		log:      log,
		fs:       fs,
		pending:  make(map[string]time.Time),
		done:     make(chan struct{}),
	}, nil
}

// Start registers every directory under the roots and launches the event
// and flush loops. A root that cannot be walked is reported but does not
// abort the others.
func (w *Watcher) Start() error {
	for _, root := range w.roots {
		if err := w.addTree(root); err != nil {
			w.log.Warn("watch registration incomplete", "root", root, "error", err)
		}
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.flushLoop()
	return nil
}

// Stop shuts down both loops and the underlying notifier.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	return w.fs.Close()
}

// addTree registers dir and every non-excluded subdirectory.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			w.log.Debug("walk error", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, _, ok := w.relativize(path); ok && rel != "." && w.filter.Excluded(rel) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			w.log.Warn("watch add failed", "path", path, "error", err)
		}
		return nil
	})
}

// relativize maps an absolute path to its containing root and baseline key.
// Paths that resolve outside every root are rejected; this covers both
// literal traversal and symlinked parents pointing elsewhere.
func (w *Watcher) relativize(path string) (key, root string, ok bool) {
	resolved := path
	if real, err := filepath.EvalSymlinks(filepath.Dir(path)); err == nil {
		resolved = filepath.Join(real, filepath.Base(path))
	}

	for _, r := range w.roots {
		rel, err := filepath.Rel(r, resolved)
		if err != nil {
			continue
		}
		if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if rel == "." {
			return ".", r, true
		}
		return w.store.KeyFor(r, filepath.ToSlash(rel)), r, true
	}
	return "", "", false
}

// eventLoop records notification times; classification waits for the flush.
func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) == 0 {
				continue
			}
			w.note(ev)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "error", err)
		}
	}
}

// note queues a path for debounced processing. Newly created directories
// are registered immediately and their existing contents queued, since
// files may land before the watch takes effect.
func (w *Watcher) note(ev fsnotify.Event) {
	key, _, ok := w.relativize(ev.Name)
	if !ok {
		w.log.Debug("notification outside roots", "path", ev.Name)
		return
	}
	if key == "." || w.filter.Excluded(key) {
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.adoptDirectory(ev.Name)
			return
		}
	}

	w.mu.Lock()
	w.pending[ev.Name] = time.Now()
	w.mu.Unlock()
}

// adoptDirectory starts watching a directory that appeared after startup
// and queues every file already inside it.
func (w *Watcher) adoptDirectory(dir string) {
	_ = w.addTree(dir)

	now := time.Now()
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		key, _, ok := w.relativize(path)
		if !ok || w.filter.Excluded(key) {
			return nil
		}
		w.mu.Lock()
		w.pending[path] = now
		w.mu.Unlock()
		return nil
	})
}

// flushLoop periodically dispatches paths that have gone quiet.
func (w *Watcher) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			w.flush(now)
		}
	}
}

// flush dispatches every pending path last touched before the debounce
// window. I/O happens outside the lock.
func (w *Watcher) flush(now time.Time) {
	cutoff := now.Add(-w.debounce)

	w.mu.Lock()
	var ready []string
	for path, last := range w.pending {
		if last.Before(cutoff) {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		w.dispatch(path)
	}
}

// dispatch classifies a quiet path against the baseline and runs it through
// the pipeline. The current filesystem state wins over the notification
// sequence that led here.
func (w *Watcher) dispatch(path string) {
	key, _, ok := w.relativize(path)
	if !ok || key == "." || w.filter.Excluded(key) {
		return
	}

	_, known := w.store.Lookup(baseline.ScopeLocal, key)

	info, err := os.Stat(path)
	switch {
	case err == nil && info.IsDir():
		return
	case err == nil && known:
		w.emit(model.EventModify, key, path)
	case err == nil:
		w.emit(model.EventCreate, key, path)
	case os.IsNotExist(err) && known:
		w.emit(model.EventDelete, key, path)
	case os.IsNotExist(err):
		// Appeared and vanished before we ever baselined it.
	default:
		w.log.Debug("stat failed", "path", path, "error", err)
	}
}

func (w *Watcher) emit(kind model.EventType, key, abs string) {
	_, _, err := w.proc.Process(model.Change{
		Scope:   baseline.ScopeLocal,
		Source:  model.SourceLocal,
		Type:    kind,
		Path:    key,
		AbsPath: abs,
	})
	if err != nil {
		w.log.Warn("change processing failed", "path", key, "error", err)
	}
}
