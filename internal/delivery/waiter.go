// Package delivery implements the blocking hand-off of comments to the
// single agent consumer, so the agent can sit in a "handle one, ask again"
// loop instead of polling.
package delivery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/filipc77/cowrite/internal/comments"
)

// Kind tags the single outcome of a Wait call.
type Kind string

const (
	KindNewComment Kind = "new_comment"
	KindFollowUp   Kind = "follow_up"
	KindTimeout    Kind = "timeout"
	KindCancelled  Kind = "cancelled"
)

// Result is the outcome of one Wait call. Comment is set for new_comment and
// follow_up; FollowUpText carries the newest user reply on a follow_up;
// PendingCount reports how many comments are pending when a timeout fires,
// so the consumer can decide whether to re-poll immediately.
type Result struct {
	Kind         Kind
	Comment      *comments.Comment
	FollowUpText string
	PendingCount int
}

// Waiter tracks, per consumer process, which comments have been handed over
// and at what reply count, so a comment that stays pending between calls is
// not redelivered and a human bounce-back is surfaced exactly once. Reopens
// are queued by id for the waiter's whole lifetime, whether or not a Wait
// call is in flight, so a reopen that adds no reply still reaches the
// consumer. Claims happen under one mutex; concurrent Wait calls each get a
// distinct comment or keep waiting.
type Waiter struct {
	store *comments.Store

	mu        sync.Mutex
	delivered map[string]int
	reopens   []string
}

// NewWaiter creates a waiter with empty delivery bookkeeping. The reopened
// subscription lasts as long as the waiter.
func NewWaiter(store *comments.Store) *Waiter {
	w := &Waiter{
		store:     store,
		delivered: make(map[string]int),
	}
	store.Events().OnReopened(func(c *comments.Comment) {
		w.mu.Lock()
		w.reopens = append(w.reopens, c.ID)
		w.mu.Unlock()
	})
	return w
}

// Wait returns the next comment needing the consumer's attention, blocking up
// to timeout when the backlog is empty. Exactly one of the four result kinds
// comes back per call, and all listeners and the timer are torn down before
// returning, whichever branch fires first.
//
// Queued reopens drain first, as follow_ups. Then undelivered pending
// comments are returned in creation order, and a pending comment whose reply
// count grew since its last delivery comes back as a follow_up carrying the
// newest user reply. Only after both are clean does the call park on store
// events; the wake channel just says "look again", all state lives in the
// store and the queue.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) Result {
	wake := make(chan struct{}, 1)
	ring := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	// Subscribe before the first scan so nothing lands between the scan and
	// the park. The reopened hook only rings; the queue entry was already
	// appended by the waiter-lifetime subscription, which registered first.
	unsubNew := w.store.Events().OnNewComment(func(*comments.Comment) { ring() })
	unsubReopened := w.store.Events().OnReopened(func(*comments.Comment) { ring() })
	defer unsubNew()
	defer unsubReopened()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if res, ok := w.nextReopen(); ok {
			log.Debug().Str("comment", res.Comment.ID).Msg("delivering reopened comment")
			return res
		}
		if res, ok := w.scanBacklog(); ok {
			log.Debug().Str("kind", string(res.Kind)).Str("comment", res.Comment.ID).Msg("delivering from backlog")
			return res
		}
		select {
		case <-wake:
		case <-timer.C:
			pending := len(w.store.List(comments.Filter{Status: comments.StatusPending}))
			log.Debug().Int("pending", pending).Msg("wait timed out")
			return Result{Kind: KindTimeout, PendingCount: pending}
		case <-ctx.Done():
			return Result{Kind: KindCancelled}
		}
	}
}

// nextReopen pops queued reopens until one still deserves delivery: the
// comment must still exist, still be pending, and have been handed over
// before. A reopened comment the consumer never saw falls through to the
// backlog scan, which delivers it as new_comment. Pop and claim share one
// critical section so concurrent Wait calls cannot both deliver the same
// reopen.
func (w *Waiter) nextReopen() (Result, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.reopens) > 0 {
		id := w.reopens[0]
		w.reopens = w.reopens[1:]
		c, err := w.store.Get(id)
		if err != nil || c.Status != comments.StatusPending {
			continue
		}
		if _, seen := w.delivered[id]; !seen {
			continue
		}
		w.delivered[id] = len(c.Replies)
		w.unqueueLocked(id)
		return Result{Kind: KindFollowUp, Comment: c, FollowUpText: latestUserReply(c)}, true
	}
	return Result{}, false
}

// scanBacklog claims the oldest pending comment the consumer has not fully
// seen, if any. Claiming also purges the comment's queued reopens, so a
// bounce found here first is not delivered a second time from the queue.
func (w *Waiter) scanBacklog() (Result, bool) {
	pending := w.store.List(comments.Filter{Status: comments.StatusPending})
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range pending {
		count, seen := w.delivered[c.ID]
		switch {
		case !seen:
			w.delivered[c.ID] = len(c.Replies)
			w.unqueueLocked(c.ID)
			return Result{Kind: KindNewComment, Comment: c}, true
		case len(c.Replies) > count:
			w.delivered[c.ID] = len(c.Replies)
			w.unqueueLocked(c.ID)
			return Result{Kind: KindFollowUp, Comment: c, FollowUpText: latestUserReply(c)}, true
		}
	}
	return Result{}, false
}

// unqueueLocked drops every queued reopen for id. Callers hold w.mu.
func (w *Waiter) unqueueLocked(id string) {
	kept := w.reopens[:0]
	for _, qid := range w.reopens {
		if qid != id {
			kept = append(kept, qid)
		}
	}
	w.reopens = kept
}

func latestUserReply(c *comments.Comment) string {
	if r := c.LastUserReply(); r != nil {
		return r.Text
	}
	return ""
}
