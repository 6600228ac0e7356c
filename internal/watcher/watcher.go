// Package watcher wires filesystem notifications into the comment engine:
// external edits re-anchor comments, and external rewrites of the shared
// data file reload the store.
package watcher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/filipc77/cowrite/internal/comments"
	"github.com/filipc77/cowrite/internal/workspace"
)

// skipDirs are directory names never watched or refreshed. The data dir is
// in here too; only the data file itself gets special handling.
var skipDirs = map[string]struct{}{
	".git":         {},
	".hg":          {},
	"node_modules": {},
	".cowrite":     {},
}

// Watcher debounces raw filesystem events per path and routes the survivors:
// the shared data file triggers a store reload, our own writes are swallowed,
// everything else refreshes the workspace so anchors follow external edits.
type Watcher struct {
	ws       *workspace.Workspace
	store    *comments.Store
	dataFile string
	debounce time.Duration

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a watcher over the workspace root. dataFile is the absolute
// path of the comment store's persistence file.
func New(ws *workspace.Workspace, store *comments.Store, dataFile string, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	return &Watcher{
		ws:       ws,
		store:    store,
		dataFile: dataFile,
		debounce: debounce,
		fsw:      fsw,
		pending:  make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start registers the directory tree and spawns the event loop.
func (w *Watcher) Start() error {
	if err := w.addTree(w.ws.Root()); err != nil {
		return err
	}
	// The data dir is skipped by the walk but its file must be observed for
	// cross-process reloads.
	if w.dataFile != "" {
		dir := filepath.Dir(w.dataFile)
		if err := os.MkdirAll(dir, 0o755); err == nil {
			if err := w.fsw.Add(dir); err != nil {
				log.Warn().Err(err).Str("dir", dir).Msg("cannot watch data dir")
			}
		}
	}
	w.wg.Add(1)
	go w.loop()
	log.Info().Str("root", w.ws.Root()).Msg("file watcher started")
	return nil
}

// Close stops the event loop and waits for it to finish. Safe to call twice.
func (w *Watcher) Close() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.fsw.Close()
	})
	w.wg.Wait()
	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// An unreadable tree root is fatal; anything below it is not.
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if _, skip := skipDirs[d.Name()]; skip && path != root {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			log.Warn().Err(err).Str("dir", path).Msg("cannot watch dir")
		}
		return nil
	})
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("fs watcher error")
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	// New directories need to be added to the watch set as they appear.
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if _, skip := skipDirs[filepath.Base(ev.Name)]; !skip {
				if err := w.addTree(ev.Name); err != nil {
					log.Warn().Err(err).Str("dir", ev.Name).Msg("cannot watch new dir")
				}
			}
			return
		}
	}
	w.schedule(ev.Name)
}

// schedule debounces events per path, so an editor's burst of writes lands
// as one refresh.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.fire(path)
	})
}

func (w *Watcher) fire(path string) {
	select {
	case <-w.stopCh:
		return
	default:
	}

	if w.dataFile != "" && path == w.dataFile {
		applied, err := w.store.Reload()
		if err != nil {
			log.Warn().Err(err).Msg("reload after external data file change failed")
		}
		if applied {
			log.Info().Msg("comments reloaded from external change")
		}
		return
	}
	if w.ws.ConsumeSelfWrite(path) {
		log.Debug().Str("path", path).Msg("own write, skipping refresh")
		return
	}
	rel, ok := w.ws.Rel(path)
	if !ok || skipped(rel) {
		return
	}
	log.Debug().Str("file", rel).Msg("external change, refreshing")
	w.ws.Refresh(rel)
}

// skipped reports whether any component of the relative path is a skip dir.
func skipped(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if _, skip := skipDirs[part]; skip {
			return true
		}
	}
	return false
}
