// Package workspace mediates all project file access. Every write funnels
// through here so comment anchors are reconciled against the content delta
// and so the file watcher can tell our own writes apart from external edits.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/filipc77/cowrite/internal/comments"
)

var (
	// ErrOutOfRange indicates an edit referenced offsets outside the
	// file's current content bounds.
	ErrOutOfRange = errors.New("edit range outside content bounds")

	// ErrEscapesRoot indicates a path that resolves outside the project
	// root.
	ErrEscapesRoot = errors.New("path escapes project root")
)

// selfWriteTTL bounds how long a self-write mark stays claimable by the
// watcher. Our own saves produce their filesystem events well inside this.
const selfWriteTTL = 2 * time.Second

// maxSelfWriteMarks caps the mark map so a watcher that never consumes
// (e.g. disabled) cannot grow it without bound.
const maxSelfWriteMarks = 256

// Workspace reads and writes files under a single project root. It keeps the
// last content it saw per file, which supplies the old side of the old/new
// pair that anchor reconciliation wants when a file changes.
type Workspace struct {
	root  string
	store *comments.Store

	mu        sync.Mutex
	contents  map[string]string
	selfWrite map[string]time.Time
}

// New creates a workspace rooted at root. The root is normalized to an
// absolute path so watcher event paths can be related back to it.
func New(root string, store *comments.Store) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}
	return &Workspace{
		root:      abs,
		store:     store,
		contents:  make(map[string]string),
		selfWrite: make(map[string]time.Time),
	}, nil
}

// Root returns the absolute project root.
func (w *Workspace) Root() string {
	return w.root
}

// resolve maps a slash-separated project-relative path onto the filesystem,
// refusing anything that climbs out of the root.
func (w *Workspace) resolve(file string) (string, error) {
	if file == "" {
		return "", fmt.Errorf("empty file path: %w", ErrEscapesRoot)
	}
	abs := filepath.Join(w.root, filepath.FromSlash(file))
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s: %w", file, ErrEscapesRoot)
	}
	return abs, nil
}

// Rel converts an absolute path, typically from a watcher event, back to the
// slash-separated project-relative form used as the comment file key.
func (w *Workspace) Rel(abs string) (string, bool) {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// Read returns the file's current content and records it as the last seen
// state for later reconciliation.
func (w *Workspace) Read(file string) (string, error) {
	abs, err := w.resolve(file)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", file, err)
	}
	w.mu.Lock()
	w.contents[file] = string(data)
	w.mu.Unlock()
	return string(data), nil
}

// Write replaces the file's content, marks the write as our own for the
// watcher, and reconciles comment anchors against the change.
func (w *Workspace) Write(file, content string) error {
	abs, err := w.resolve(file)
	if err != nil {
		return err
	}

	w.mu.Lock()
	old, cached := w.contents[file]
	w.mu.Unlock()
	if !cached {
		if data, err := os.ReadFile(abs); err == nil {
			old = string(data)
		}
	}

	w.markSelfWrite(abs)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", file, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}

	w.mu.Lock()
	w.contents[file] = content
	w.mu.Unlock()

	w.store.AdjustOffsets(file, old, content)
	return nil
}

// ApplyEdit splices newText over the byte range [offset, offset+length) of
// the file and writes the result back, returning the new content. Ranges
// outside the current bounds are refused, not clamped; a stale UI must not
// silently corrupt the file.
func (w *Workspace) ApplyEdit(file string, offset, length int, newText string) (string, error) {
	content, err := w.Read(file)
	if err != nil {
		return "", err
	}
	if offset < 0 || length < 0 || offset+length > len(content) {
		return "", fmt.Errorf("edit [%d, %d) of %s (%d bytes): %w",
			offset, offset+length, file, len(content), ErrOutOfRange)
	}
	updated := content[:offset] + newText + content[offset+length:]
	if err := w.Write(file, updated); err != nil {
		return "", err
	}
	return updated, nil
}

// Refresh re-reads a file after an external change and reconciles anchors
// against whatever content we saw last. The watcher calls this; missing
// files are fine, deletion is just an empty new state.
func (w *Workspace) Refresh(file string) {
	abs, err := w.resolve(file)
	if err != nil {
		log.Debug().Err(err).Str("file", file).Msg("refresh skipped")
		return
	}
	var content string
	if data, err := os.ReadFile(abs); err == nil {
		content = string(data)
	} else if !os.IsNotExist(err) {
		log.Warn().Err(err).Str("file", file).Msg("refresh read failed")
		return
	}

	w.mu.Lock()
	old := w.contents[file]
	w.contents[file] = content
	w.mu.Unlock()

	w.store.AdjustOffsets(file, old, content)
}

// markSelfWrite records that abs is about to be written by us. Marked before
// the write so a watcher event arriving mid-write already finds the mark.
func (w *Workspace) markSelfWrite(abs string) {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.selfWrite) >= maxSelfWriteMarks {
		for p, t := range w.selfWrite {
			if now.Sub(t) > selfWriteTTL {
				delete(w.selfWrite, p)
			}
		}
	}
	w.selfWrite[abs] = now
}

// ConsumeSelfWrite reports whether abs was recently written by this process,
// clearing the mark so only one watcher event is swallowed per write.
func (w *Workspace) ConsumeSelfWrite(abs string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.selfWrite[abs]
	if !ok {
		return false
	}
	delete(w.selfWrite, abs)
	return time.Since(t) <= selfWriteTTL
}
