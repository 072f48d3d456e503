// Package queue provides the blocking hand-off structures between playback
// stages: a byte-accounted packet FIFO with flush sentinels, a fixed-size
// picture ring, and the shared quit signal that wakes every waiter on
// shutdown.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrQuit is returned by blocking operations once the quit signal is raised.
var ErrQuit = errors.New("queue: quit")

// Quit is a one-shot session shutdown flag. Every condition variable a
// stage may sleep on is registered so Raise can broadcast it.
type Quit struct {
	raised atomic.Bool
	done   chan struct{}

	mu    sync.Mutex
	conds []*sync.Cond
}

// NewQuit returns an unraised quit signal.
func NewQuit() *Quit {
	return &Quit{done: make(chan struct{})}
}

// Register adds c to the set broadcast by Raise.
func (q *Quit) Register(c *sync.Cond) {
	q.mu.Lock()
	q.conds = append(q.conds, c)
	q.mu.Unlock()
}

// Raised reports whether Raise has been called.
func (q *Quit) Raised() bool {
	return q.raised.Load()
}

// Done returns a channel closed by Raise.
func (q *Quit) Done() <-chan struct{} {
	return q.done
}

// Raise sets the flag and wakes every registered waiter. Waiters check
// Raised under their own lock before sleeping, and Raise takes that lock
// to broadcast, so no wakeup is lost. Calls after the first are no-ops.
func (q *Quit) Raise() {
	if !q.raised.CompareAndSwap(false, true) {
		return
	}
	close(q.done)

	q.mu.Lock()
	conds := append([]*sync.Cond(nil), q.conds...)
	q.mu.Unlock()

	for _, c := range conds {
		c.L.Lock()
		c.Broadcast()
		c.L.Unlock()
	}
}
