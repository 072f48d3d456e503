package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/zsiec/avplay/internal/media"
)

// runDemux reads packets from the source and routes them to the stream
// queues. It owns the source and releases it only after quit is raised,
// since decode stages may still hold packets until then.
func (s *Session) runDemux(ctx context.Context) error {
	defer func() {
		if err := s.src.Close(); err != nil {
			s.log.Warn("closing source", "error", err)
		}
	}()

	readErr := s.readLoop(ctx)
	if readErr != nil {
		s.log.Error("source read failed", "error", readErr)
		s.notifyPost(messageFatal(readErr))
	}

	select {
	case <-s.quit.Done():
	case <-ctx.Done():
	}
	if readErr != nil {
		return fmt.Errorf("reading %s: %w", s.url, readErr)
	}
	return nil
}

// readLoop runs until quit, end of stream or a hard read error, which it
// returns.
func (s *Session) readLoop(ctx context.Context) error {
	for !s.quit.Raised() {
		if s.performPendingSeek() {
			continue
		}
		if s.eosRequested() {
			s.endOfStream("requested")
			return nil
		}
		if s.overCapacity() {
			s.stats.backpressure.Add(1)
			s.warnBackoff.Do(func() {
				s.log.Debug("packet queues full, pausing demux")
			})
			s.sleep(ctx, idleSleep)
			continue
		}

		pkt, err := s.src.ReadPacket(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil || s.quit.Raised():
			return nil
		case errors.Is(err, media.ErrNoData):
			s.stats.noData.Add(1)
			s.sleep(ctx, idleSleep)
			continue
		case errors.Is(err, io.EOF):
			s.endOfStream("source eof")
			return nil
		default:
			s.endOfStream("read error")
			return err
		}

		s.stats.packetsRead.Add(1)
		s.route(pkt)
	}
	return nil
}

// route puts pkt on the queue of its stream, or drops it.
func (s *Session) route(pkt *media.Packet) {
	switch {
	case s.video != nil && pkt.StreamIndex == s.video.info.Index:
		s.stats.videoPackets.Add(1)
		s.video.queue.Put(pkt)
	case s.audio != nil && pkt.StreamIndex == s.audio.info.Index:
		s.stats.audioPackets.Add(1)
		s.audio.queue.Put(pkt)
	default:
		s.stats.discardedPackets.Add(1)
	}
}

func (s *Session) overCapacity() bool {
	if s.audio != nil && s.audio.queue.Bytes() > s.opts.MaxAudioQueueBytes {
		return true
	}
	if s.video != nil && s.video.queue.Bytes() > s.opts.MaxVideoQueueBytes {
		return true
	}
	return false
}

// endOfStream marks the queues so the decode stages drain and finish.
func (s *Session) endOfStream(reason string) {
	s.log.Info("end of stream, draining", "reason", reason)
	if s.video != nil {
		s.video.queue.PutEnd()
	}
	if s.audio != nil {
		s.audio.queue.PutEnd()
	}
	s.setState(StateDraining)
}

// performPendingSeek executes the pending seek, if any, and reports
// whether there was one. The session lock is held for the whole
// seek-and-flush handshake so a new request cannot slip in between.
func (s *Session) performPendingSeek() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := s.seek
	if !req.pending {
		return false
	}
	s.stats.seeks.Add(1)

	var err error
	for _, info := range s.openStreams() {
		ts := media.Rescale(req.target, media.Rational{Num: 1, Den: media.TimeBase}, info.TimeBase)
		if err = s.src.Seek(info.Index, ts, req.backward); err != nil {
			break
		}
	}

	if err != nil {
		s.stats.seekFailures.Add(1)
		s.log.Warn("seek failed, continuing from current position",
			"target_us", req.target, "error", err)
	} else {
		if s.video != nil {
			s.video.queue.Flush()
			s.pictq.Clear()
		}
		if s.audio != nil {
			s.audio.queue.Flush()
		}
		s.log.Info("seek complete", "target_us", req.target, "backward", req.backward)
	}

	s.seek = seekRequest{}
	if s.paused.Load() {
		s.setStateLocked(StatePaused)
	} else {
		s.setStateLocked(StatePlaying)
	}
	return true
}

func (s *Session) openStreams() []media.StreamInfo {
	var out []media.StreamInfo
	if s.video != nil {
		out = append(out, s.video.info)
	}
	if s.audio != nil {
		out = append(out, s.audio.info)
	}
	return out
}

func (s *Session) eosRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eos
}

// sleep waits for d unless the session is shutting down.
func (s *Session) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.quit.Done():
	case <-ctx.Done():
	}
}
