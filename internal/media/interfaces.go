package media

import "context"

// Source is an opened container. ReadPacket returns ErrNoData when nothing
// is ready yet (live inputs) and io.EOF at end of stream.
type Source interface {
	Streams() []StreamInfo
	ReadPacket(ctx context.Context) (*Packet, error)
	// Seek repositions the source so that the next packet of stream is at
	// or before ts (backward) or at or after ts. ts is in the stream's time
	// base.
	Seek(stream int, ts int64, backward bool) error
	Close() error
}

// Opener resolves a URL into a Source. The URL is opaque to the engine.
type Opener interface {
	Open(ctx context.Context, url string) (Source, error)
}

// Codecs creates decoders for the streams of a Source.
type Codecs interface {
	OpenVideo(info StreamInfo) (VideoDecoder, error)
	OpenAudio(info StreamInfo) (AudioDecoder, error)
}

// VideoDecoder turns packets into zero or more frames. Flush discards any
// internal reference state, as after a seek.
type VideoDecoder interface {
	Decode(pkt *Packet) ([]*VideoFrame, error)
	Flush()
	Close() error
}

// AudioDecoder turns packets into zero or more PCM frames.
type AudioDecoder interface {
	Decode(pkt *Packet) ([]*AudioFrame, error)
	Flush()
	Close() error
}

// Resampler converts decoded PCM into the output device format.
type Resampler interface {
	Resample(f *AudioFrame, to AudioFormat) ([]byte, error)
}

// Scaler converts a decoded frame into dst, whose geometry and format were
// fixed by the caller.
type Scaler interface {
	Scale(dst *Image, src *VideoFrame) error
}

// VideoSink displays converted pictures.
type VideoSink interface {
	Present(img *Image, pts float64) error
}

// PullFunc fills buf entirely with PCM in the configured format.
type PullFunc func(buf []byte)

// AudioSink is an output device driven by its own goroutine. Configure
// negotiates the format; Start begins pulling through pull until Close.
type AudioSink interface {
	Configure(want AudioFormat) (AudioFormat, error)
	Start(pull PullFunc) error
	Mute(muted bool)
	Close() error
}
