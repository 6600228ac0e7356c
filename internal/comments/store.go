package comments

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// reanchorWindow bounds, in bytes, the search for a comment's selected text
// around its last known offset when file content changes underneath it.
const reanchorWindow = 200

// Filter narrows List results. Zero values match everything; StatusAll is
// accepted as an explicit wildcard so transports can pass it straight through.
type Filter struct {
	File   string
	Status Status
}

func (f Filter) match(c *Comment) bool {
	if f.File != "" && c.File != f.File {
		return false
	}
	if f.Status != "" && f.Status != StatusAll && c.Status != f.Status {
		return false
	}
	return true
}

// The data file holds a plain JSON array of comments, rewritten wholesale on
// every persist. External tools read and edit it directly, so there is no
// envelope and no version field.

// Store owns every comment and serializes all mutation behind one mutex.
// Events fire synchronously after each mutation, outside the lock but before
// the mutating call returns, so listeners may call back into the store.
// Persistence is scheduled asynchronously and never blocks a caller.
type Store struct {
	mu       sync.Mutex
	comments map[string]*Comment

	dataFile string
	events   *Events
	saver    *saver

	now   func() time.Time
	newID func() string
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides comment and reply id generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// NewStore creates a store backed by dataFile, loading any existing snapshot
// synchronously. A corrupt snapshot is logged and discarded so a damaged data
// file never blocks startup. Passing an empty dataFile disables persistence
// entirely, which tests rely on. reloadGuard is the window after one of our
// own writes during which Reload refuses to re-read the file.
func NewStore(dataFile string, reloadGuard time.Duration, opts ...Option) *Store {
	s := &Store{
		comments: make(map[string]*Comment),
		dataFile: dataFile,
		events:   NewEvents(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if dataFile != "" {
		if err := s.loadInitial(); err != nil {
			log.Warn().Err(err).Str("path", dataFile).Msg("discarding unreadable comment snapshot")
		}
		s.saver = newSaver(dataFile, reloadGuard, s.now, s.marshalSnapshot)
	}
	return s
}

func (s *Store) loadInitial() error {
	data, err := os.ReadFile(s.dataFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var list []*Comment
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	for _, c := range list {
		s.comments[c.ID] = c
	}
	return nil
}

// Events exposes the hub so transports and the delivery loop can subscribe.
func (s *Store) Events() *Events {
	return s.events
}

// Close stops the background saver, flushing any pending snapshot first.
func (s *Store) Close() {
	if s.saver != nil {
		s.saver.stop()
	}
}

func (s *Store) schedulePersist() {
	if s.saver != nil {
		s.saver.schedule()
	}
}

// emission collects the events a mutation produces while the store mutex is
// held. flush fires them in order, and every mutating method defers it before
// taking the lock, so the deferred unlock runs first and the events reach
// listeners with the lock already released.
type emission struct {
	hub      *Events
	created  []*Comment
	reopened []*Comment
	changed  []string
}

func (s *Store) stage() *emission {
	return &emission{hub: s.events}
}

func (em *emission) flush() {
	for _, c := range em.created {
		em.hub.emitNewComment(c)
	}
	for _, c := range em.reopened {
		em.hub.emitReopened(c)
	}
	for _, f := range em.changed {
		em.hub.emitChange(f)
	}
}

// marshalSnapshot renders the current state for the saver goroutine. The
// data file is meant to be read and hand-edited, so it stays indented and
// deterministically ordered.
func (s *Store) marshalSnapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]*Comment, 0, len(s.comments))
	for _, c := range s.comments {
		list = append(list, c)
	}
	sortByCreation(list)
	return json.MarshalIndent(list, "", "  ")
}

// Add creates a pending comment and returns its snapshot. Empty selectedText
// marks a whole-file comment, which pins the anchor to 0/0 regardless of the
// offsets passed in.
func (s *Store) Add(file string, offset, length int, selectedText, body string) *Comment {
	em := s.stage()
	defer em.flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	if selectedText == "" {
		offset = 0
		length = 0
	}
	if offset < 0 {
		offset = 0
	}
	if length < 0 {
		length = 0
	}
	c := &Comment{
		ID:           s.newID(),
		File:         file,
		Offset:       offset,
		Length:       length,
		SelectedText: selectedText,
		Body:         body,
		Status:       StatusPending,
		Replies:      []Reply{},
		CreatedAt:    s.now(),
	}
	s.comments[c.ID] = c
	s.schedulePersist()
	em.created = append(em.created, c.clone())
	em.changed = append(em.changed, c.File)
	return c.clone()
}

// Get returns a snapshot of one comment.
func (s *Store) Get(id string) (*Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[id]
	if !ok {
		return nil, fmt.Errorf("comment %s: %w", id, ErrNotFound)
	}
	return c.clone(), nil
}

// List returns snapshots matching the filter, ordered ascending by offset so
// listings line up with document order. Ties break on file and then creation
// time to keep the order deterministic.
func (s *Store) List(f Filter) []*Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Comment, 0, len(s.comments))
	for _, c := range s.comments {
		if f.match(c) {
			out = append(out, c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Offset != out[j].Offset {
			return out[i].Offset < out[j].Offset
		}
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ForFile returns every comment on one file in document order.
func (s *Store) ForFile(file string) []*Comment {
	return s.List(Filter{File: file})
}

// AddReply appends a reply. An agent reply on a pending comment marks it
// answered; a user reply on an answered comment bounces it back to pending
// and fires a reopened event. Every other combination appends without
// touching status, so an agent reply never un-resolves a comment and a user
// follow-up on a resolved comment waits for an explicit Reopen.
func (s *Store) AddReply(commentID string, from Origin, text string) (*Comment, error) {
	if from != OriginUser && from != OriginAgent {
		return nil, fmt.Errorf("unknown reply origin %q", from)
	}
	em := s.stage()
	defer em.flush()
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[commentID]
	if !ok {
		return nil, fmt.Errorf("comment %s: %w", commentID, ErrNotFound)
	}
	c.Replies = append(c.Replies, Reply{
		ID:        s.newID(),
		From:      from,
		Text:      text,
		CreatedAt: s.now(),
	})
	reopened := false
	switch {
	case from == OriginUser && c.Status == StatusAnswered:
		c.Status = StatusPending
		c.ResolvedAt = nil
		reopened = true
	case from == OriginAgent && c.Status == StatusPending:
		c.Status = StatusAnswered
	}
	s.schedulePersist()
	if reopened {
		em.reopened = append(em.reopened, c.clone())
	}
	em.changed = append(em.changed, c.File)
	return c.clone(), nil
}

// AddProposalReply appends an agent reply carrying a suggested replacement
// for the comment's currently anchored text. Whole-file comments have no
// span to replace.
func (s *Store) AddProposalReply(commentID, newText, explanation string) (*Comment, error) {
	em := s.stage()
	defer em.flush()
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[commentID]
	if !ok {
		return nil, fmt.Errorf("comment %s: %w", commentID, ErrNotFound)
	}
	if c.WholeFile() {
		return nil, fmt.Errorf("comment %s: %w", commentID, ErrFileComment)
	}
	c.Replies = append(c.Replies, Reply{
		ID:        s.newID(),
		From:      OriginAgent,
		Text:      explanation,
		CreatedAt: s.now(),
		Proposal: &Proposal{
			OldText:     c.SelectedText,
			NewText:     newText,
			Explanation: explanation,
			Status:      ProposalPending,
		},
	})
	if c.Status == StatusPending {
		c.Status = StatusAnswered
	}
	s.schedulePersist()
	em.changed = append(em.changed, c.File)
	return c.clone(), nil
}

// UpdateProposalStatus marks a proposal applied or rejected. Applying
// re-anchors the comment onto the proposed text so later offset adjustments
// can find it at its new location; the caller is expected to splice the file
// content afterwards.
func (s *Store) UpdateProposalStatus(commentID, replyID string, status ProposalStatus) (*Comment, error) {
	if status != ProposalApplied && status != ProposalRejected {
		return nil, fmt.Errorf("unknown proposal status %q", status)
	}
	em := s.stage()
	defer em.flush()
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[commentID]
	if !ok {
		return nil, fmt.Errorf("comment %s: %w", commentID, ErrNotFound)
	}
	var prop *Proposal
	for i := range c.Replies {
		if c.Replies[i].ID == replyID {
			prop = c.Replies[i].Proposal
			break
		}
	}
	if prop == nil {
		return nil, fmt.Errorf("proposal reply %s on comment %s: %w", replyID, commentID, ErrNotFound)
	}
	prop.Status = status
	if status == ProposalApplied {
		c.SelectedText = prop.NewText
		c.Length = len(prop.NewText)
	}
	s.schedulePersist()
	em.changed = append(em.changed, c.File)
	return c.clone(), nil
}

// Resolve marks the comment resolved and stamps the resolution time.
func (s *Store) Resolve(id string) (*Comment, error) {
	em := s.stage()
	defer em.flush()
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[id]
	if !ok {
		return nil, fmt.Errorf("comment %s: %w", id, ErrNotFound)
	}
	c.Status = StatusResolved
	t := s.now()
	c.ResolvedAt = &t
	s.schedulePersist()
	em.changed = append(em.changed, c.File)
	return c.clone(), nil
}

// Reopen bounces a resolved comment back to pending without adding a reply.
// Comments that are still pending or answered cannot be reopened; there is
// nothing closed to open.
func (s *Store) Reopen(id string) (*Comment, error) {
	em := s.stage()
	defer em.flush()
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[id]
	if !ok {
		return nil, fmt.Errorf("comment %s: %w", id, ErrNotFound)
	}
	if c.Status != StatusResolved {
		return nil, fmt.Errorf("comment %s: %w", id, ErrNotResolved)
	}
	c.Status = StatusPending
	c.ResolvedAt = nil
	s.schedulePersist()
	em.reopened = append(em.reopened, c.clone())
	em.changed = append(em.changed, c.File)
	return c.clone(), nil
}

// Delete removes a comment outright.
func (s *Store) Delete(id string) error {
	em := s.stage()
	defer em.flush()
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[id]
	if !ok {
		return fmt.Errorf("comment %s: %w", id, ErrNotFound)
	}
	delete(s.comments, id)
	s.schedulePersist()
	em.changed = append(em.changed, c.File)
	return nil
}

// AdjustOffsets reconciles every range comment on file after its content
// changed from oldContent to newContent. A comment whose selected text still
// sits at its recorded offset is left alone; otherwise newContent is searched
// for the selected text within the window [offset-200, offset+length+200],
// clamped to content bounds, and the comment moves to the first hit. A
// comment whose text is not in the window keeps its stale anchor; rendering
// clamps such orphans instead of dropping them, and their silent survival is
// expected, not an error. Exactly one change event fires for the file per
// call, after all comments were processed.
func (s *Store) AdjustOffsets(file, oldContent, newContent string) {
	em := s.stage()
	defer em.flush()
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := false
	if oldContent != newContent {
		for _, c := range s.comments {
			if c.File != file || c.WholeFile() {
				continue
			}
			if anchored(newContent, c.Offset, c.SelectedText) {
				continue
			}
			lo := c.Offset - reanchorWindow
			if lo < 0 {
				lo = 0
			}
			hi := c.Offset + c.Length + reanchorWindow
			if hi > len(newContent) {
				hi = len(newContent)
			}
			if lo >= hi {
				continue
			}
			if idx := strings.Index(newContent[lo:hi], c.SelectedText); idx >= 0 {
				c.Offset = lo + idx
				moved = true
			}
		}
	}
	if moved {
		s.schedulePersist()
	}
	em.changed = append(em.changed, file)
}

// anchored reports whether sel occurs verbatim at offset in content.
func anchored(content string, offset int, sel string) bool {
	if offset < 0 || offset+len(sel) > len(content) {
		return false
	}
	return content[offset:offset+len(sel)] == sel
}

// Reload replaces in-memory state with the data file's current contents,
// emitting new-comment events for ids that appeared and change events for
// every touched file. It returns false without touching state when the store
// itself wrote the file within the guard window, so the file watcher does not
// echo our own saves back as external edits. Read or decode failures clear
// the store to empty rather than keeping state that no longer matches disk.
func (s *Store) Reload() (bool, error) {
	if s.dataFile == "" {
		return false, nil
	}
	if s.saver != nil && s.saver.recentlyWrote(s.now()) {
		return false, nil
	}

	var incoming []*Comment
	var readErr error
	data, err := os.ReadFile(s.dataFile)
	switch {
	case err == nil:
		var list []*Comment
		if err := json.Unmarshal(data, &list); err != nil {
			readErr = fmt.Errorf("decode %s: %w", s.dataFile, err)
		} else {
			incoming = list
		}
	case os.IsNotExist(err):
		// File removed externally: an empty state is the honest reading.
	default:
		readErr = fmt.Errorf("read %s: %w", s.dataFile, err)
	}

	em := s.stage()
	defer em.flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	files := make(map[string]struct{})
	for _, c := range s.comments {
		files[c.File] = struct{}{}
	}
	oldIDs := make(map[string]struct{}, len(s.comments))
	for id := range s.comments {
		oldIDs[id] = struct{}{}
	}

	s.comments = make(map[string]*Comment, len(incoming))
	var added []*Comment
	for _, c := range incoming {
		if c.ID == "" {
			c.ID = s.newID()
		}
		s.comments[c.ID] = c
		files[c.File] = struct{}{}
		if _, existed := oldIDs[c.ID]; !existed {
			added = append(added, c)
		}
	}

	sortByCreation(added)
	for _, c := range added {
		em.created = append(em.created, c.clone())
	}
	for f := range files {
		em.changed = append(em.changed, f)
	}
	sort.Strings(em.changed)
	return true, readErr
}

func sortByCreation(list []*Comment) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
