package tsdemux

import (
	"errors"
	"fmt"
	"io"

	"github.com/zsiec/avplay/internal/media"
)

var errNoTimeline = errors.New("tsdemux: cannot estimate stream duration")

type seekTarget struct {
	ts       int64
	backward bool
	packets  int64
}

// Seek repositions a file source near ts (90 kHz ticks). The byte offset
// is interpolated from the first and last timestamps in the file, so the
// landing point is approximate; video resumes at the next keyframe. A
// backward seek backs off by one second so that it lands at or before ts.
//
// Every stream shares one byte position, so repeating the same seek for
// another stream before any packet is read is a no-op.
func (s *Source) Seek(stream int, ts int64, backward bool) error {
	if s.seeker == nil {
		return media.ErrNotSeekable
	}
	if stream < 0 || stream >= len(s.streams) {
		return fmt.Errorf("tsdemux: no stream %d", stream)
	}
	if last := s.lastSeek; last != nil && last.ts == ts && last.backward == backward &&
		last.packets == s.packets.Load() {
		return nil
	}
	if err := s.learnTimeline(); err != nil {
		return err
	}

	target := ts
	if backward {
		target -= seekMargin
	}
	span := s.lastPTS - s.firstPTS
	frac := float64(target-s.firstPTS) / float64(span)
	frac = min(max(frac, 0), 1)
	off := int64(frac*float64(s.size)) / tsPacketSize * tsPacketSize

	if _, err := s.seeker.Seek(off, io.SeekStart); err != nil {
		return fmt.Errorf("tsdemux: seeking to byte %d: %w", off, err)
	}
	s.ra.reset()
	s.pending = nil
	s.syncKey = s.video >= 0
	s.lastSeek = &seekTarget{ts: ts, backward: backward, packets: s.packets.Load()}

	s.log.Debug("seek", "ts", ts, "backward", backward, "offset", off, "size", s.size)
	return nil
}

// learnTimeline finds the file size and the last timestamp by scanning the
// tail of the file. The read position is restored before it returns.
func (s *Source) learnTimeline() (err error) {
	if s.timeKnown {
		return nil
	}
	cur, err := s.seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("tsdemux: locating read position: %w", err)
	}
	defer func() {
		if _, serr := s.seeker.Seek(cur, io.SeekStart); serr != nil && err == nil {
			err = fmt.Errorf("tsdemux: restoring read position: %w", serr)
		}
	}()

	size, err := s.seeker.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("tsdemux: sizing input: %w", err)
	}
	start := max(size-seekTailBytes, 0) / tsPacketSize * tsPacketSize
	if _, err := s.seeker.Seek(start, io.SeekStart); err != nil {
		return fmt.Errorf("tsdemux: reading tail: %w", err)
	}

	tail := newReassembler(s.seeker)
	for pid := range s.ra.pmts {
		tail.pmts[pid] = true
	}
	last := int64(-1)
	for {
		u, err := tail.next()
		if err != nil {
			break
		}
		if u.psi || (u.pid != s.videoPID && u.pid != s.audioPID) {
			continue
		}
		if pes, err := parsePES(u.data); err == nil && pes.pts > last {
			last = pes.pts
		}
	}

	if s.firstPTS < 0 || last <= s.firstPTS {
		return errNoTimeline
	}
	s.size, s.lastPTS, s.timeKnown = size, last, true
	s.log.Debug("timeline", "first_pts", s.firstPTS, "last_pts", last, "size", size)
	return nil
}

// Duration returns the estimated playing time of a file source in ticks,
// or zero when unknown.
func (s *Source) Duration() int64 {
	if s.seeker == nil || s.learnTimeline() != nil {
		return 0
	}
	return s.lastPTS - s.firstPTS
}
