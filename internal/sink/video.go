package sink

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/zsiec/avplay/internal/media"
)

var errSinkClosed = errors.New("sink: video sink closed")

// VideoLog is a media.VideoSink with no display. It counts presented
// pictures, logs progress about once a second and optionally writes each
// picture's pixels to a writer (raw video).
type VideoLog struct {
	log    *slog.Logger
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	closed bool

	frames  atomic.Int64
	lastPTS atomic.Uint64 // float64 bits
	every   rate.Sometimes
}

var _ media.VideoSink = (*VideoLog)(nil)

// NewVideoLog returns a sink that logs to log and, when w is non-nil,
// writes raw pixels to w.
func NewVideoLog(log *slog.Logger, w io.Writer) *VideoLog {
	if log == nil {
		log = slog.Default()
	}
	v := &VideoLog{
		log:   log.With("component", "video-sink"),
		w:     w,
		every: rate.Sometimes{Interval: time.Second},
	}
	if c, ok := w.(io.Closer); ok {
		v.closer = c
	}
	return v
}

// Present records img as displayed at pts seconds.
func (v *VideoLog) Present(img *media.Image, pts float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return errSinkClosed
	}
	if v.w != nil {
		if _, err := v.w.Write(img.Pix); err != nil {
			return err
		}
	}
	n := v.frames.Add(1)
	v.lastPTS.Store(math.Float64bits(pts))
	v.every.Do(func() {
		v.log.Debug("presenting", "frames", n, "pts", pts,
			"width", img.Width, "height", img.Height, "format", img.Format)
	})
	return nil
}

// Frames returns the number of presented pictures.
func (v *VideoLog) Frames() int64 { return v.frames.Load() }

// LastPTS returns the pts of the most recent picture.
func (v *VideoLog) LastPTS() float64 { return math.Float64frombits(v.lastPTS.Load()) }

// Close stops accepting pictures and closes the writer.
func (v *VideoLog) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	v.log.Debug("video sink closed", "frames", v.frames.Load())
	if v.closer != nil {
		return v.closer.Close()
	}
	return nil
}
