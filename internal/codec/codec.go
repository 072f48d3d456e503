// Package codec provides software collaborators for the playback engine:
// timing decoders for H.264 and AAC, a PCM resampler and a picture scaler.
//
// The timing decoders do not decode pixels or samples. They emit one
// mid-gray I420 picture per video access unit and silence for every AAC
// frame, with the timestamps, geometry and sample counts of the real
// stream. That is enough to drive clocks, pacing and drift correction end
// to end without cgo.
package codec

import (
	"fmt"
	"log/slog"

	"github.com/zsiec/avplay/internal/media"
)

// Codecs opens timing decoders for "h264" and "aac" streams.
type Codecs struct {
	Log *slog.Logger
}

var _ media.Codecs = (*Codecs)(nil)

func (c *Codecs) logger() *slog.Logger {
	if c.Log == nil {
		return slog.Default()
	}
	return c.Log
}

// OpenVideo returns a decoder for info, which must carry a frame size.
func (c *Codecs) OpenVideo(info media.StreamInfo) (media.VideoDecoder, error) {
	if info.Codec != "h264" {
		return nil, fmt.Errorf("video stream %d (%s): %w", info.Index, info.Codec, media.ErrUnsupportedCodec)
	}
	if info.Width <= 0 || info.Height <= 0 {
		return nil, fmt.Errorf("video stream %d: unknown frame size", info.Index)
	}
	c.logger().Debug("video decoder opened", "component", "codec", "stream", info.Index,
		"width", info.Width, "height", info.Height)
	return newVideoDecoder(info.Width, info.Height), nil
}

// OpenAudio returns a decoder for info, which must carry a sample rate and
// channel count.
func (c *Codecs) OpenAudio(info media.StreamInfo) (media.AudioDecoder, error) {
	if info.Codec != "aac" {
		return nil, fmt.Errorf("audio stream %d (%s): %w", info.Index, info.Codec, media.ErrUnsupportedCodec)
	}
	if info.SampleRate <= 0 || info.Channels <= 0 {
		return nil, fmt.Errorf("audio stream %d: unknown sample format", info.Index)
	}
	c.logger().Debug("audio decoder opened", "component", "codec", "stream", info.Index,
		"sample_rate", info.SampleRate, "channels", info.Channels)
	return newAudioDecoder(info.SampleRate, info.Channels), nil
}
