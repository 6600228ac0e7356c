package comments

import "sync"

// ChangeFunc receives the path of a file whose comment set or anchors changed.
type ChangeFunc func(file string)

// CommentFunc receives a snapshot of the comment that triggered the event.
type CommentFunc func(c *Comment)

type changeListener struct {
	id int
	fn ChangeFunc
}

type commentListener struct {
	id int
	fn CommentFunc
}

// Events fans store notifications out to registered listeners. Callbacks run
// synchronously, in registration order, on the goroutine that performed the
// mutation, before the mutating call returns. The store has already released
// its mutex by then, so listeners are free to call back into it.
type Events struct {
	mu       sync.Mutex
	nextID   int
	change   []changeListener
	created  []commentListener
	reopened []commentListener
}

// NewEvents creates an empty hub.
func NewEvents() *Events {
	return &Events{}
}

// OnChange registers fn for comment-change notifications on any file and
// returns a function that removes the registration. Unsubscribing twice is
// harmless.
func (e *Events) OnChange(fn ChangeFunc) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.change = append(e.change, changeListener{id: id, fn: fn})
	return func() { e.removeChange(id) }
}

// OnNewComment registers fn for newly created comments and returns its
// unsubscribe function.
func (e *Events) OnNewComment(fn CommentFunc) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.created = append(e.created, commentListener{id: id, fn: fn})
	return func() { e.removeCreated(id) }
}

// OnReopened registers fn for comments bounced back to pending by a user
// reply or an explicit reopen, and returns its unsubscribe function.
func (e *Events) OnReopened(fn CommentFunc) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.reopened = append(e.reopened, commentListener{id: id, fn: fn})
	return func() { e.removeReopened(id) }
}

func (e *Events) removeChange(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.change {
		if l.id == id {
			e.change = append(e.change[:i], e.change[i+1:]...)
			return
		}
	}
}

func (e *Events) removeCreated(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.created {
		if l.id == id {
			e.created = append(e.created[:i], e.created[i+1:]...)
			return
		}
	}
}

func (e *Events) removeReopened(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.reopened {
		if l.id == id {
			e.reopened = append(e.reopened[:i], e.reopened[i+1:]...)
			return
		}
	}
}

// emitChange invokes change listeners in registration order. The listener
// slice is copied first so a callback can unsubscribe itself mid-emission.
func (e *Events) emitChange(file string) {
	e.mu.Lock()
	subs := make([]changeListener, len(e.change))
	copy(subs, e.change)
	e.mu.Unlock()
	for _, s := range subs {
		s.fn(file)
	}
}

func (e *Events) emitNewComment(c *Comment) {
	e.mu.Lock()
	subs := make([]commentListener, len(e.created))
	copy(subs, e.created)
	e.mu.Unlock()
	for _, s := range subs {
		s.fn(c)
	}
}

func (e *Events) emitReopened(c *Comment) {
	e.mu.Lock()
	subs := make([]commentListener, len(e.reopened))
	copy(subs, e.reopened)
	e.mu.Unlock()
	for _, s := range subs {
		s.fn(c)
	}
}
