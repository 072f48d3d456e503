package player

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/zsiec/avplay/internal/avsync"
	"github.com/zsiec/avplay/internal/clock"
	"github.com/zsiec/avplay/internal/media"
	"github.com/zsiec/avplay/internal/queue"
)

// videoStream is the video decode and pacing pipeline.
type videoStream struct {
	s     *Session
	info  media.StreamInfo
	queue *queue.Queue[*media.Packet]
	dec   media.VideoDecoder

	// Decode stage only.
	corrector *avsync.PTSCorrector
	vclock    avsync.VideoClock
	duration  float64

	// Pacing stage only.
	pacer     *avsync.Pacer
	presented int

	decodeFinished atomic.Bool
}

func packetSize(p *media.Packet) int { return p.Size() }

func newVideoStream(s *Session, info media.StreamInfo, dec media.VideoDecoder) *videoStream {
	duration := info.FrameDuration
	if duration <= 0 {
		duration = avsync.DefaultFrameDelay
	}
	return &videoStream{
		s:         s,
		info:      info,
		queue:     queue.NewQueue(s.quit, packetSize),
		dec:       dec,
		corrector: avsync.NewPTSCorrector(),
		duration:  duration,
	}
}

// runDecode turns packets into timestamped pictures on the picture queue.
func (v *videoStream) runDecode(ctx context.Context) error {
	s := v.s
	defer v.decodeFinished.Store(true)

	for {
		e, st := v.queue.Get(true)
		if st == queue.StatusQuit {
			return nil
		}
		switch e.Kind {
		case queue.KindFlush:
			v.dec.Flush()
			v.corrector.Reset()
			s.log.Debug("video decoder flushed")
			continue
		case queue.KindEnd:
			s.log.Debug("video decode reached end of stream")
			return nil
		}

		frames, err := v.dec.Decode(e.Value)
		if err != nil {
			s.stats.decodeErrors.Add(1)
			s.warnDecode.Do(func() {
				s.log.Warn("video decode failed", "error", err)
			})
			continue
		}

		for _, f := range frames {
			s.stats.videoFrames.Add(1)
			pts := avsync.FrameSeconds(v.corrector, f.PTS, f.DTS, v.info.TimeBase)
			pts = v.vclock.Sync(pts, v.duration, f.RepeatPict)

			if _, err := s.pictq.AllocNext(f.Width, f.Height); err != nil {
				if errors.Is(err, queue.ErrQuit) {
					return nil
				}
				return fmt.Errorf("allocating picture: %w", err)
			}
			if err := s.pictq.Publish(f, pts); err != nil {
				s.stats.decodeErrors.Add(1)
				s.warnDecode.Do(func() {
					s.log.Warn("dropping picture", "error", err)
				})
			}
		}
	}
}

// runPacer presents pictures at the times the pacer decides, re-arming a
// single timer after every step.
func (v *videoStream) runPacer(ctx context.Context) error {
	v.pacer = avsync.NewPacer(v.s.since())
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-v.s.quit.Done():
			return nil
		case <-timer.C:
		}

		wait, more := v.refresh()
		if !more {
			return nil
		}
		timer.Reset(wait)
	}
}

// refresh runs one pacing step and returns the delay until the next one.
// more is false once the video pipeline has fully drained.
func (v *videoStream) refresh() (wait time.Duration, more bool) {
	s := v.s

	if d := s.pausedNano.Swap(0); d != 0 {
		v.pacer.Shift(time.Duration(d).Seconds())
	}
	if s.paused.Load() {
		return pausedRetick, true
	}

	pic, ok := s.pictq.Peek()
	if !ok {
		if v.decodeFinished.Load() && s.pictq.Len() == 0 {
			s.markDone(&s.videoDone, "video")
			return 0, false
		}
		return avsync.EmptyRefreshDelay, true
	}

	syncToMaster := s.clock.Sync() != clock.SyncVideo
	var master float64
	if syncToMaster {
		master = s.clock.Master()
	}
	d := v.pacer.Next(pic.PTS, master, syncToMaster, s.since())

	storeFloat(&s.stats.lastDiff, d.Diff)
	storeFloat(&s.stats.lastDelay, d.Delay)
	switch {
	case syncToMaster && d.Delay == 0:
		s.stats.framesLate.Add(1)
	case syncToMaster && d.Delay > v.pacer.LastDelay():
		s.stats.framesHeld.Add(1)
	}

	if err := s.deps.VideoSink.Present(&pic.Image, pic.PTS); err != nil {
		s.stats.presentErrors.Add(1)
		s.warnPresent.Do(func() {
			s.log.Warn("presenting picture failed", "error", err)
		})
	}
	s.clock.SetVideo(pic.PTS)
	s.pictq.Release()
	s.stats.framesPresented.Add(1)

	v.presented++
	if limit := s.opts.MaxFrames; limit > 0 && v.presented >= limit {
		s.log.Info("frame limit reached, stopping", "frames", v.presented)
		s.quit.Raise()
		return 0, false
	}
	return d.Wait, true
}
