// Package concurrency provides small primitives for guarding exclusive work.
package concurrency

// Slot is a non-blocking mutual exclusion token backed by a buffered
// channel. At most one holder at a time; acquisition never blocks.
type Slot struct {
	ch chan struct{}
}

// NewSlot creates a free slot.
func NewSlot() *Slot {
	return &Slot{ch: make(chan struct{}, 1)}
}

// TryAcquire takes the slot if it is free. Returns false when another
// holder has it.
func (s *Slot) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the slot. Safe to call when the slot was never acquired
// or was already released.
func (s *Slot) Release() {
	select {
	case <-s.ch:
	default:
	}
}
