// Package mailbox provides the bounded message channel used to post
// playback-control commands to a session and to deliver notifications
// back to the embedder.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// DefaultSize is the mailbox capacity when none is configured.
const DefaultSize = 6

// ErrFull is returned by Post when the mailbox has no free slot.
var ErrFull = errors.New("mailbox: full")

// Kind identifies a message.
type Kind int

const (
	// Commands, embedder to session.
	EndOfStream Kind = iota
	SeekRelative
	Pause
	Resume
	Stop

	// Notifications, session to embedder.
	StateChanged
	Position
	Fatal
	Finished
)

var kindNames = [...]string{
	EndOfStream:  "end-of-stream",
	SeekRelative: "seek-relative",
	Pause:        "pause",
	Resume:       "resume",
	Stop:         "stop",
	StateChanged: "state-changed",
	Position:     "position",
	Fatal:        "fatal",
	Finished:     "finished",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Message is a tagged control message. Only the fields relevant to Kind
// are set.
type Message struct {
	Kind    Kind
	Session string
	// Tag is the client tag given when the session was created.
	Tag string

	// Seconds is the relative offset of a SeekRelative command or the
	// playback position of a Position notification.
	Seconds float64
	// State is the new state name of a StateChanged notification.
	State string
	// Err carries the cause of a Fatal notification.
	Err error
}

// Mailbox is a bounded FIFO of messages. Post never blocks.
type Mailbox struct {
	ch      chan Message
	dropped atomic.Int64
}

// New creates a mailbox with room for size messages. Values below one use
// DefaultSize.
func New(size int) *Mailbox {
	if size < 1 {
		size = DefaultSize
	}
	return &Mailbox{ch: make(chan Message, size)}
}

// Post enqueues msg, or returns ErrFull and counts the drop.
func (m *Mailbox) Post(msg Message) error {
	select {
	case m.ch <- msg:
		return nil
	default:
		m.dropped.Add(1)
		return ErrFull
	}
}

// Wait blocks until a message arrives or ctx is done.
func (m *Mailbox) Wait(ctx context.Context) (Message, error) {
	select {
	case msg := <-m.ch:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// C exposes the receive side for select loops.
func (m *Mailbox) C() <-chan Message {
	return m.ch
}

// Len returns the number of queued messages.
func (m *Mailbox) Len() int {
	return len(m.ch)
}

// Dropped returns how many posts were rejected because the mailbox was full.
func (m *Mailbox) Dropped() int64 {
	return m.dropped.Load()
}
