// Package sink provides output devices for the playback engine: a video
// sink that logs presented pictures and an audio device that consumes PCM
// in real time on its own goroutine, writing it to any io.Writer.
package sink

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/zsiec/avplay/internal/media"
)

const (
	defaultSampleRate = 48000
	defaultChannels   = 2

	// DefaultPeriod is the number of sample frames per device pull.
	DefaultPeriod = 1024

	// bufferPeriods is how many periods the emulated device holds. Falling
	// further behind than this is an underrun.
	bufferPeriods = 2
)

var (
	ErrNotConfigured  = errors.New("sink: audio device not configured")
	ErrAlreadyStarted = errors.New("sink: audio device already started")
)

// AudioDevice is a media.AudioSink that plays PCM at the configured rate
// by pulling one period at a time and writing it to w. It detects
// underruns when the pull falls behind real time and re-primes its buffer.
type AudioDevice struct {
	log    *slog.Logger
	w      io.Writer
	closer io.Closer
	period int

	mu      sync.Mutex
	format  media.AudioFormat
	started bool
	stop    chan struct{}
	done    chan struct{}

	muted     atomic.Bool
	pulls     atomic.Int64
	written   atomic.Int64
	underruns atomic.Int64

	warnUnderrun rate.Sometimes
	closeOnce    sync.Once
	closeErr     error
}

var _ media.AudioSink = (*AudioDevice)(nil)

// NewAudioDevice creates a device writing to w. w is closed by Close when
// it implements io.Closer. period is in sample frames; values below one
// use DefaultPeriod.
func NewAudioDevice(w io.Writer, period int, log *slog.Logger) *AudioDevice {
	if log == nil {
		log = slog.Default()
	}
	if w == nil {
		w = io.Discard
	}
	if period < 1 {
		period = DefaultPeriod
	}
	d := &AudioDevice{
		log:          log.With("component", "audio-device"),
		w:            w,
		period:       period,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		warnUnderrun: rate.Sometimes{Interval: time.Second},
	}
	if c, ok := w.(io.Closer); ok {
		d.closer = c
	}
	return d
}

// OpenAudioDevice opens the output named by device: "" discards, "-" is
// stdout and anything else is a file created at that path.
func OpenAudioDevice(device string, period int, log *slog.Logger) (*AudioDevice, error) {
	switch device {
	case "":
		return NewAudioDevice(io.Discard, period, log), nil
	case "-":
		return NewAudioDevice(struct{ io.Writer }{os.Stdout}, period, log), nil
	}
	f, err := os.Create(device)
	if err != nil {
		return nil, fmt.Errorf("opening audio device: %w", err)
	}
	return NewAudioDevice(f, period, log), nil
}

// Configure accepts S16 or F32 at any rate and channel count. Zero rate or
// channels select 48 kHz stereo.
func (d *AudioDevice) Configure(want media.AudioFormat) (media.AudioFormat, error) {
	got := want
	if got.SampleRate <= 0 {
		got.SampleRate = defaultSampleRate
	}
	if got.Channels <= 0 {
		got.Channels = defaultChannels
	}
	if got.Format != media.SampleS16 && got.Format != media.SampleF32 {
		got.Format = media.SampleS16
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return media.AudioFormat{}, ErrAlreadyStarted
	}
	d.format = got
	d.log.Info("audio device configured", "sample_rate", got.SampleRate,
		"channels", got.Channels, "period", d.period)
	return got, nil
}

// Start begins pulling PCM through pull until Close.
func (d *AudioDevice) Start(pull media.PullFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.format.SampleRate == 0:
		return ErrNotConfigured
	case d.started:
		return ErrAlreadyStarted
	}
	d.started = true
	go d.run(pull, d.format)
	return nil
}

// Mute replaces pulled PCM with silence. The engine is still pulled so its
// audio clock keeps advancing.
func (d *AudioDevice) Mute(muted bool) { d.muted.Store(muted) }

func (d *AudioDevice) run(pull media.PullFunc, format media.AudioFormat) {
	defer close(d.done)

	buf := make([]byte, d.period*format.FrameBytes())
	periodDur := time.Duration(d.period) * time.Second / time.Duration(format.SampleRate)

	play := func() bool {
		pull(buf)
		d.pulls.Add(1)
		if d.muted.Load() {
			clear(buf)
		}
		n, err := d.w.Write(buf)
		d.written.Add(int64(n))
		if err != nil {
			d.log.Error("audio write failed, discarding output", "error", err)
			d.w = io.Discard
		}
		select {
		case <-d.stop:
			return false
		default:
			return true
		}
	}

	// The device starts with its buffer primed.
	for range bufferPeriods {
		if !play() {
			return
		}
	}
	next := time.Now().Add(periodDur)
	timer := time.NewTimer(periodDur)
	defer timer.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-timer.C:
		}

		now := time.Now()
		if behind := now.Sub(next); behind > bufferPeriods*periodDur {
			n := d.underruns.Add(1)
			d.warnUnderrun.Do(func() {
				d.log.Warn("audio underrun, re-priming", "behind", behind, "underruns", n)
			})
			for range bufferPeriods {
				if !play() {
					return
				}
			}
			next = now
		}

		if !play() {
			return
		}
		next = next.Add(periodDur)
		timer.Reset(max(time.Until(next), 0))
	}
}

// Stats reports device counters.
func (d *AudioDevice) Stats() (pulls, bytes, underruns int64) {
	return d.pulls.Load(), d.written.Load(), d.underruns.Load()
}

// Close stops the device goroutine, waits for it and closes the writer.
func (d *AudioDevice) Close() error {
	d.closeOnce.Do(func() {
		close(d.stop)
		d.mu.Lock()
		started := d.started
		d.started = true // no Start after Close
		d.mu.Unlock()
		if started {
			<-d.done
		}
		if d.closer != nil {
			d.closeErr = d.closer.Close()
		}
		pulls, bytes, underruns := d.Stats()
		d.log.Debug("audio device closed", "pulls", pulls, "bytes", bytes, "underruns", underruns)
	})
	return d.closeErr
}
