package codec

import (
	"errors"

	"github.com/zsiec/avplay/internal/media"
)

var errClosed = errors.New("codec: decoder closed")

const grayLevel = 0x80

// videoDecoder emits one picture per access unit. Like a real decoder it
// produces nothing until the first keyframe, and again after Flush.
type videoDecoder struct {
	width, height int
	planes        [3][]byte
	strides       [3]int
	waitKey       bool
	closed        bool
}

func newVideoDecoder(w, h int) *videoDecoder {
	cw, ch := (w+1)/2, (h+1)/2
	d := &videoDecoder{
		width:   w,
		height:  h,
		strides: [3]int{w, cw, cw},
		waitKey: true,
	}
	d.planes[0] = fill(make([]byte, w*h), grayLevel)
	d.planes[1] = fill(make([]byte, cw*ch), grayLevel)
	d.planes[2] = fill(make([]byte, cw*ch), grayLevel)
	return d
}

func fill(b []byte, v byte) []byte {
	for i := range b {
		b[i] = v
	}
	return b
}

// Decode returns a picture sharing the decoder's read-only planes.
func (d *videoDecoder) Decode(pkt *media.Packet) ([]*media.VideoFrame, error) {
	if d.closed {
		return nil, errClosed
	}
	if len(pkt.Data) == 0 {
		return nil, nil
	}
	if d.waitKey {
		if !pkt.KeyFrame {
			return nil, nil
		}
		d.waitKey = false
	}
	return []*media.VideoFrame{{
		PTS:     pkt.PTS,
		DTS:     pkt.DTS,
		Width:   d.width,
		Height:  d.height,
		Format:  media.PixelI420,
		Planes:  d.planes,
		Strides: d.strides,
	}}, nil
}

func (d *videoDecoder) Flush() { d.waitKey = true }

func (d *videoDecoder) Close() error {
	d.closed = true
	return nil
}

// aacFrameSamples is the per-channel length of one AAC raw data block.
const aacFrameSamples = 1024

// audioDecoder emits silence sized from the ADTS header of each packet.
type audioDecoder struct {
	sampleRate int
	channels   int
	silence    []byte
	closed     bool
}

func newAudioDecoder(rate, channels int) *audioDecoder {
	return &audioDecoder{sampleRate: rate, channels: channels}
}

func (d *audioDecoder) Decode(pkt *media.Packet) ([]*media.AudioFrame, error) {
	if d.closed {
		return nil, errClosed
	}
	if len(pkt.Data) == 0 {
		return nil, nil
	}
	samples := adtsSamples(pkt.Data)
	size := samples * d.channels * media.SampleS16.Bytes()
	if len(d.silence) < size {
		d.silence = make([]byte, size)
	}
	return []*media.AudioFrame{{
		PTS:        pkt.PTS,
		SampleRate: d.sampleRate,
		Channels:   d.channels,
		Format:     media.SampleS16,
		Samples:    samples,
		Data:       d.silence[:size],
	}}, nil
}

// adtsSamples returns the per-channel sample count of an ADTS frame, or
// one AAC frame when b has no ADTS header.
func adtsSamples(b []byte) int {
	if len(b) < 7 || b[0] != 0xFF || b[1]&0xF0 != 0xF0 {
		return aacFrameSamples
	}
	return (int(b[6]&0x03) + 1) * aacFrameSamples
}

func (d *audioDecoder) Flush() {}

func (d *audioDecoder) Close() error {
	d.closed = true
	return nil
}
