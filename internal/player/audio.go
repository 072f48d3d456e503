package player

import (
	"github.com/zsiec/avplay/internal/avsync"
	"github.com/zsiec/avplay/internal/clock"
	"github.com/zsiec/avplay/internal/media"
	"github.com/zsiec/avplay/internal/queue"
)

// audioStream is the audio decode pipeline. Its pull method runs on the
// audio sink's goroutine; every other field is touched only from there.
type audioStream struct {
	s      *Session
	info   media.StreamInfo
	queue  *queue.Queue[*media.Packet]
	dec    media.AudioDecoder
	format media.AudioFormat
	drift  *avsync.DriftCorrector

	buf      []byte  // resampled block being played
	index    int     // bytes of buf already handed to the device
	clockPTS float64 // timestamp just past the end of buf
	ended    bool
}

func newAudioStream(s *Session, info media.StreamInfo, dec media.AudioDecoder, format media.AudioFormat) *audioStream {
	threshold := s.opts.AudioDiffThreshold
	if threshold <= 0 && format.SampleRate > 0 {
		period := s.opts.AudioPeriod
		if period <= 0 {
			period = DefaultAudioPeriod
		}
		threshold = 2.0 * float64(period) / float64(format.SampleRate)
	}
	return &audioStream{
		s:      s,
		info:   info,
		queue:  queue.NewQueue(s.quit, packetSize),
		dec:    dec,
		format: format,
		drift: avsync.NewDriftCorrector(avsync.DriftConfig{
			Threshold:  threshold,
			AvgNB:      s.opts.AudioDiffAvgNB,
			MaxPercent: s.opts.SampleCorrectionPercentMax,
		}),
	}
}

// pull fills out with PCM in the device format. It blocks while the audio
// queue is empty, and outputs silence when paused, stopped, drained or on
// decode failure.
func (a *audioStream) pull(out []byte) {
	s := a.s
	for len(out) > 0 {
		if s.paused.Load() || s.quit.Raised() || a.ended {
			a.silence(out)
			break
		}
		if a.index >= len(a.buf) {
			if !a.fill() {
				a.silence(out)
				break
			}
		}
		n := copy(out, a.buf[a.index:])
		out = out[n:]
		a.index += n
	}
	s.clock.SetAudio(a.clockPTS, len(a.buf)-a.index, a.format.BytesPerSecond())
}

func (a *audioStream) silence(out []byte) {
	clear(out)
	a.s.stats.silenceBytes.Add(int64(len(out)))
}

// fill decodes the next block into buf. It returns false when no block
// can be produced right now.
func (a *audioStream) fill() bool {
	s := a.s
	for {
		e, st := a.queue.Get(true)
		if st == queue.StatusQuit {
			return false
		}
		switch e.Kind {
		case queue.KindFlush:
			a.dec.Flush()
			a.drift.Reset()
			a.buf, a.index = a.buf[:0], 0
			continue
		case queue.KindEnd:
			a.ended = true
			s.markDone(&s.audioDone, "audio")
			return false
		}

		pkt := e.Value
		if pkt.PTS != media.NoPTS {
			a.clockPTS = float64(pkt.PTS) * a.info.TimeBase.Float()
		}

		frames, err := a.dec.Decode(pkt)
		if err != nil {
			s.stats.decodeErrors.Add(1)
			s.warnDecode.Do(func() {
				s.log.Warn("audio decode failed", "error", err)
			})
			return false
		}

		a.buf, a.index = a.buf[:0], 0
		for _, f := range frames {
			s.stats.audioFrames.Add(1)
			pcm, err := s.deps.Resampler.Resample(f, a.format)
			if err != nil {
				s.stats.decodeErrors.Add(1)
				s.warnDecode.Do(func() {
					s.log.Warn("audio resample failed", "error", err)
				})
				continue
			}
			a.buf = append(a.buf, pcm...)
		}
		if len(a.buf) == 0 {
			continue
		}

		bps := a.format.BytesPerSecond()
		if bps > 0 {
			a.clockPTS += float64(len(a.buf)) / float64(bps)
		}
		a.synchronize()
		return true
	}
}

// synchronize applies drift correction to buf when another clock is the
// master.
func (a *audioStream) synchronize() {
	s := a.s
	if s.clock.Sync() == clock.SyncAudio {
		return
	}
	s.clock.SetAudio(a.clockPTS, len(a.buf), a.format.BytesPerSecond())
	diff := s.clock.Audio() - s.clock.Master()

	before := len(a.buf)
	a.buf = a.drift.Correct(a.buf, diff, a.format.SampleRate, a.format.FrameBytes())
	if len(a.buf) != before {
		s.stats.audioCorrections.Add(1)
	}
}
