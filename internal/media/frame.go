package media

// PixelFormat identifies the memory layout of a picture.
type PixelFormat int

const (
	PixelI420 PixelFormat = iota
	PixelRGBA
)

func (f PixelFormat) String() string {
	switch f {
	case PixelI420:
		return "i420"
	case PixelRGBA:
		return "rgba"
	default:
		return "unknown"
	}
}

// SampleFormat identifies a PCM sample encoding.
type SampleFormat int

const (
	SampleS16 SampleFormat = iota
	SampleF32
)

// Bytes returns the size of one sample of one channel.
func (f SampleFormat) Bytes() int {
	switch f {
	case SampleF32:
		return 4
	default:
		return 2
	}
}

// VideoFrame is a decoded picture in the decoder's native layout.
// PTS is the reordered (best effort) timestamp and DTS the timestamp of the
// packet that produced it, both in the stream time base.
type VideoFrame struct {
	PTS        int64
	DTS        int64
	RepeatPict int
	Width      int
	Height     int
	Format     PixelFormat
	Planes     [3][]byte
	Strides    [3]int
}

// AudioFrame is a block of decoded, interleaved PCM.
type AudioFrame struct {
	PTS        int64
	SampleRate int
	Channels   int
	Format     SampleFormat
	Samples    int // per channel
	Data       []byte
}

// AudioFormat is the PCM layout an audio device consumes.
type AudioFormat struct {
	SampleRate int
	Channels   int
	Format     SampleFormat
}

// FrameBytes is the size of one sample frame (one sample for every channel).
func (f AudioFormat) FrameBytes() int {
	return f.Channels * f.Format.Bytes()
}

// BytesPerSecond is the byte rate of the format.
func (f AudioFormat) BytesPerSecond() int {
	return f.SampleRate * f.FrameBytes()
}

// Image is a picture converted for display.
type Image struct {
	Pix    []byte
	Width  int
	Height int
	Stride int
	Format PixelFormat
}

// Reset resizes the image buffer for a w x h picture in format f,
// reusing the backing array when it is large enough.
func (img *Image) Reset(w, h int, f PixelFormat) {
	stride := w
	size := w * h
	switch f {
	case PixelRGBA:
		stride = w * 4
		size = stride * h
	case PixelI420:
		size = w*h + 2*((w+1)/2)*((h+1)/2)
	}
	if cap(img.Pix) >= size {
		img.Pix = img.Pix[:size]
	} else {
		img.Pix = make([]byte, size)
	}
	img.Width, img.Height, img.Stride, img.Format = w, h, stride, f
}
