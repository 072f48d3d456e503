package player

import (
	"context"
	"time"

	"github.com/zsiec/avplay/internal/mailbox"
	"github.com/zsiec/avplay/internal/media"
)

// Post queues a control message for the session. It never blocks; a full
// mailbox returns mailbox.ErrFull.
func (s *Session) Post(msg mailbox.Message) error {
	if s.State() == StateStopped {
		return ErrSessionClosed
	}
	return s.control.Post(msg)
}

// SeekRelative asks the session to seek by seconds from the current master
// clock position.
func (s *Session) SeekRelative(seconds float64) error {
	return s.Post(mailbox.Message{Kind: mailbox.SeekRelative, Seconds: seconds})
}

// Pause asks the session to pause.
func (s *Session) Pause() error { return s.Post(mailbox.Message{Kind: mailbox.Pause}) }

// Resume asks a paused session to continue.
func (s *Session) Resume() error { return s.Post(mailbox.Message{Kind: mailbox.Resume}) }

// Stop asks the session to stop immediately.
func (s *Session) Stop() error { return s.Post(mailbox.Message{Kind: mailbox.Stop}) }

// EndOfStream asks the session to stop reading and play out what is
// already queued.
func (s *Session) EndOfStream() error { return s.Post(mailbox.Message{Kind: mailbox.EndOfStream}) }

// runControl consumes the control mailbox until the session quits.
func (s *Session) runControl(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.quit.Done():
			return nil
		case msg := <-s.control.C():
			s.handle(msg)
		}
	}
}

func (s *Session) handle(msg mailbox.Message) {
	s.log.Debug("control message", "kind", msg.Kind, "seconds", msg.Seconds)
	switch msg.Kind {
	case mailbox.SeekRelative:
		s.requestSeek(msg.Seconds)
	case mailbox.Pause:
		s.pause()
	case mailbox.Resume:
		s.resume()
	case mailbox.Stop:
		s.log.Info("stop requested")
		s.quit.Raise()
	case mailbox.EndOfStream:
		s.mu.Lock()
		s.eos = true
		s.mu.Unlock()
	default:
		s.log.Warn("ignoring unexpected control message", "kind", msg.Kind)
	}
}

// requestSeek fills the seek slot unless a seek is already pending. The
// target is the master clock plus offset; a negative offset seeks
// backward.
func (s *Session) requestSeek(offset float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seek.pending {
		s.log.Debug("seek already pending, ignoring", "offset", offset)
		return false
	}
	if s.state != StatePlaying && s.state != StatePaused {
		s.log.Debug("seek ignored in current state", "state", s.state)
		return false
	}

	pos := s.clock.Master() + offset
	s.seek = seekRequest{
		pending:  true,
		target:   int64(pos * media.TimeBase),
		backward: offset < 0,
	}
	s.setStateLocked(StateSeeking)
	s.log.Info("seek requested", "offset", offset, "position", pos)
	return true
}

func (s *Session) pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused.Load() || (s.state != StatePlaying && s.state != StateSeeking) {
		return
	}
	s.paused.Store(true)
	s.clock.Pause()
	if s.audio != nil {
		s.deps.AudioSink.Mute(true)
	}
	if s.state == StatePlaying {
		s.setStateLocked(StatePaused)
	}
}

func (s *Session) resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused.Load() {
		return
	}
	d := s.clock.Resume()
	s.pausedNano.Add(int64(d))
	s.paused.Store(false)
	if s.audio != nil {
		s.deps.AudioSink.Mute(false)
	}
	if s.state == StatePaused {
		s.setStateLocked(StatePlaying)
	}
}

// runPositionReports posts the master clock position while playing.
func (s *Session) runPositionReports(ctx context.Context) error {
	t := time.NewTicker(s.opts.PositionInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.quit.Done():
			return nil
		case <-t.C:
			if s.State() != StatePlaying {
				continue
			}
			s.notifyPost(mailbox.Message{Kind: mailbox.Position, Seconds: s.clock.Master()})
		}
	}
}

func messageFatal(err error) mailbox.Message {
	return mailbox.Message{Kind: mailbox.Fatal, Err: err}
}
