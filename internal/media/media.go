// Package media defines the types that flow through the playback engine,
// from compressed packets read off a source through decoded frames to the
// converted pictures and PCM handed to the output devices. It also declares
// the collaborator interfaces (source, decoders, converters, sinks) the
// engine is written against.
package media

import (
	"errors"
	"fmt"
	"math"
)

// NoPTS marks an undefined timestamp.
const NoPTS int64 = math.MinInt64

// TimeBase is the global time base used for seek targets (microseconds).
const TimeBase = 1_000_000

var (
	// ErrNoData is returned by Source.ReadPacket when no packet is ready yet.
	// It is a transient condition: callers back off and retry.
	ErrNoData = errors.New("media: no data available")

	// ErrNotSeekable is returned by Source.Seek when the input cannot seek.
	ErrNotSeekable = errors.New("media: source is not seekable")

	// ErrUnsupportedCodec is returned when no decoder exists for a stream.
	ErrUnsupportedCodec = errors.New("media: unsupported codec")
)

// Rational is a fraction used for time bases.
type Rational struct {
	Num int64
	Den int64
}

// Float returns the fraction as a float64. A zero denominator yields 0.
func (r Rational) Float() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Rescale converts ts from time base from into time base to, rounding to
// the nearest integer. NoPTS passes through unchanged.
func Rescale(ts int64, from, to Rational) int64 {
	if ts == NoPTS || from.Den == 0 || to.Num == 0 {
		return ts
	}
	v := float64(ts) * float64(from.Num) * float64(to.Den) / (float64(from.Den) * float64(to.Num))
	return int64(math.Round(v))
}

// MediaType classifies an elementary stream.
type MediaType int

const (
	MediaUnknown MediaType = iota
	MediaVideo
	MediaAudio
)

func (t MediaType) String() string {
	switch t {
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// StreamInfo describes an elementary stream exposed by a Source.
type StreamInfo struct {
	Index    int
	Type     MediaType
	Codec    string
	TimeBase Rational

	// Video only. FrameDuration is the nominal frame period in seconds.
	Width         int
	Height        int
	FrameDuration float64

	// Audio only.
	SampleRate int
	Channels   int
}

// Packet is one compressed unit read from a source.
type Packet struct {
	StreamIndex int
	Data        []byte
	PTS         int64
	DTS         int64
	KeyFrame    bool
}

// Size is the number of payload bytes accounted against queue caps.
func (p *Packet) Size() int {
	return len(p.Data)
}
