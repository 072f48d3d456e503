package queue

import "sync"

// Kind tags a queue entry.
type Kind int

const (
	// KindData carries a value.
	KindData Kind = iota
	// KindFlush is the sentinel enqueued by Flush. Consumers reset their
	// decoder state when they see it.
	KindFlush
	// KindEnd marks that no more data will follow.
	KindEnd
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindFlush:
		return "flush"
	case KindEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Entry is one element of a Queue.
type Entry[T any] struct {
	Kind  Kind
	Value T
}

// Status is the outcome of Get.
type Status int

const (
	StatusItem Status = iota
	StatusEmpty
	StatusQuit
)

// Queue is an unbounded FIFO that tracks the byte size of its data entries.
// Producers enforce byte caps by polling Bytes; the queue itself never
// refuses a Put except after quit.
type Queue[T any] struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []Entry[T]
	bytes int
	size  func(T) int
	quit  *Quit
}

// NewQueue creates a queue whose waiters are woken by quit. size reports
// the byte cost of a value.
func NewQueue[T any](quit *Quit, size func(T) int) *Queue[T] {
	q := &Queue[T]{size: size, quit: quit}
	q.cond = sync.NewCond(&q.mu)
	quit.Register(q.cond)
	return q
}

// Put appends v and wakes one waiter.
func (q *Queue[T]) Put(v T) error {
	return q.push(Entry[T]{Kind: KindData, Value: v})
}

// PutEnd appends an end-of-stream marker.
func (q *Queue[T]) PutEnd() error {
	return q.push(Entry[T]{Kind: KindEnd})
}

func (q *Queue[T]) push(e Entry[T]) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.quit.Raised() {
		return ErrQuit
	}
	q.items = append(q.items, e)
	if e.Kind == KindData {
		q.bytes += q.size(e.Value)
	}
	q.cond.Signal()
	return nil
}

// Get removes the head entry. When the queue is empty and block is true it
// waits until an entry arrives or quit is raised.
func (q *Queue[T]) Get(block bool) (Entry[T], Status) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.quit.Raised() {
			return Entry[T]{}, StatusQuit
		}
		if len(q.items) > 0 {
			e := q.items[0]
			var zero Entry[T]
			q.items[0] = zero
			q.items = q.items[1:]
			if e.Kind == KindData {
				q.bytes -= q.size(e.Value)
			}
			return e, StatusItem
		}
		if !block {
			return Entry[T]{}, StatusEmpty
		}
		q.cond.Wait()
	}
}

// Flush drops every entry and enqueues a single flush sentinel, as one
// atomic step. A consumer therefore never sees a pre-flush entry after the
// sentinel.
func (q *Queue[T]) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()

	clear(q.items)
	q.items = append(q.items[:0], Entry[T]{Kind: KindFlush})
	q.bytes = 0
	q.cond.Signal()
}

// Bytes returns the summed size of queued data entries.
func (q *Queue[T]) Bytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Len returns the number of queued entries, sentinels included.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
