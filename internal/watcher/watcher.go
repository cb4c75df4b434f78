// Package watcher emits debounced filesystem change events for a single
// backend's document root. One Watcher per backend, never one watcher for
// the whole base directory, so a busy backend cannot amplify events for
// its siblings.
package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Kind classifies a change event.
type Kind string

const (
	Created  Kind = "created"
	Modified Kind = "modified"
	Deleted  Kind = "deleted"
)

// Event is a single debounced filesystem change.
type Event struct {
	Kind      Kind
	Path      string
	Extension string
}

const debounceWindow = 250 * time.Millisecond

// reloadExtensions is the closed set of extensions that produce reload
// notifications; everything else is silently dropped.
var reloadExtensions = map[string]bool{
	".html": true, ".css": true, ".js": true, ".json": true, ".svg": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true,
	".md": true, ".txt": true,
}

// Watcher recursively watches root and delivers debounced Events on C.
type Watcher struct {
	root string
	log  *zap.Logger

	C chan Event

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	lastOp  map[string]fsnotify.Op

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Watcher over root. Call Start to begin watching.
func New(root string, log *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:    root,
		log:     log,
		C:       make(chan Event, 64),
		fsw:     fsw,
		pending: make(map[string]*time.Timer),
		lastOp:  make(map[string]fsnotify.Op),
		stopCh:  make(chan struct{}),
	}
	return w, nil
}

// Start registers root and its subdirectories with the OS watcher and
// begins processing events in a background goroutine.
func (w *Watcher) Start() error {
	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	go w.loop()
	return nil
}

// Stop halts the watcher and releases OS resources.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.fsw.Close()
	})
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries rather than abort the whole walk
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleRaw(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", zap.String("root", w.root), zap.Error(err))
		}
	}
}

func (w *Watcher) handleRaw(ev fsnotify.Event) {
	if shouldIgnore(ev.Name) {
		return
	}

	if ev.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(ev.Name)
			return // directory creation itself is not a reload-worthy event
		}
	}

	ext := strings.ToLower(filepath.Ext(ev.Name))
	if !reloadExtensions[ext] {
		return
	}

	w.mu.Lock()
	w.lastOp[ev.Name] = ev.Op
	if t, exists := w.pending[ev.Name]; exists {
		t.Stop()
	}
	w.pending[ev.Name] = time.AfterFunc(debounceWindow, func() { w.fire(ev.Name) })
	w.mu.Unlock()
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	op := w.lastOp[path]
	delete(w.pending, path)
	delete(w.lastOp, path)
	w.mu.Unlock()

	kind := Modified
	switch {
	case op&fsnotify.Create == fsnotify.Create:
		kind = Created
	case op&fsnotify.Remove == fsnotify.Remove || op&fsnotify.Rename == fsnotify.Rename:
		kind = Deleted
	}

	ev := Event{Kind: kind, Path: path, Extension: strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")}
	select {
	case w.C <- ev:
	case <-w.stopCh:
	}
}

func shouldIgnore(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return true
	}
	if strings.HasSuffix(base, ".tmp") || strings.HasSuffix(base, ".swp") {
		return true
	}
	if strings.HasSuffix(base, "~") {
		return true
	}
	return false
}
