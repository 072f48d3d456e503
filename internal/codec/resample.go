package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/zsiec/avplay/internal/media"
)

var errBadFrame = errors.New("codec: audio frame shorter than its sample count")

// Resampler converts interleaved PCM between channel layouts, sample
// formats and rates. Rate conversion is linear interpolation that carries
// the fractional output position across frames. A Resampler is not safe
// for concurrent use; each audio pipeline owns one.
type Resampler struct {
	acc  float64 // fractional output samples owed from earlier frames
	last []float32
}

var _ media.Resampler = (*Resampler)(nil)

// Resample returns f converted to the to format.
func (r *Resampler) Resample(f *media.AudioFrame, to media.AudioFormat) ([]byte, error) {
	if f.Channels <= 0 || f.SampleRate <= 0 || to.Channels <= 0 || to.SampleRate <= 0 {
		return nil, fmt.Errorf("codec: cannot resample %d ch %d Hz to %d ch %d Hz",
			f.Channels, f.SampleRate, to.Channels, to.SampleRate)
	}
	if len(f.Data) < f.Samples*f.Channels*f.Format.Bytes() {
		return nil, errBadFrame
	}

	in := decodePCM(f)
	mixed := remix(in, f.Channels, to.Channels)
	out := mixed
	if f.SampleRate != to.SampleRate {
		out = r.rate(mixed, to.Channels, f.SampleRate, to.SampleRate)
	} else {
		r.last = lastFrame(mixed, to.Channels)
	}
	return encodePCM(out, to.Format), nil
}

func decodePCM(f *media.AudioFrame) []float32 {
	n := f.Samples * f.Channels
	out := make([]float32, n)
	switch f.Format {
	case media.SampleF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(f.Data[4*i:]))
		}
	default:
		for i := range out {
			out[i] = float32(int16(binary.LittleEndian.Uint16(f.Data[2*i:]))) / 32768
		}
	}
	return out
}

func encodePCM(in []float32, format media.SampleFormat) []byte {
	switch format {
	case media.SampleF32:
		out := make([]byte, 4*len(in))
		for i, v := range in {
			binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
		}
		return out
	default:
		out := make([]byte, 2*len(in))
		for i, v := range in {
			s := math.Round(float64(v) * 32768)
			s = min(max(s, math.MinInt16), math.MaxInt16)
			binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(s)))
		}
		return out
	}
}

// remix maps inCh interleaved channels onto outCh. Mono is duplicated to
// every output, anything is averaged down to mono, and otherwise channels
// are copied by index with missing ones repeating the last input channel.
func remix(in []float32, inCh, outCh int) []float32 {
	if inCh == outCh {
		return in
	}
	n := len(in) / inCh
	out := make([]float32, n*outCh)
	for i := range n {
		src := in[i*inCh : (i+1)*inCh]
		dst := out[i*outCh : (i+1)*outCh]
		switch {
		case outCh == 1:
			var sum float32
			for _, v := range src {
				sum += v
			}
			dst[0] = sum / float32(inCh)
		default:
			for c := range dst {
				dst[c] = src[min(c, inCh-1)]
			}
		}
	}
	return out
}

// rate converts interleaved samples from one rate to another.
func (r *Resampler) rate(in []float32, ch, from, to int) []float32 {
	n := len(in) / ch
	if n == 0 {
		return nil
	}
	r.acc += float64(n) * float64(to) / float64(from)
	m := int(r.acc)
	r.acc -= float64(m)

	// Sample -1 is the tail of the previous frame, so interpolation is
	// continuous across frame boundaries.
	prev := r.last
	if len(prev) != ch {
		prev = in[:ch]
	}
	at := func(i, c int) float32 {
		if i < 0 {
			return prev[c]
		}
		return in[i*ch+c]
	}

	out := make([]float32, m*ch)
	step := float64(from) / float64(to)
	for j := range m {
		pos := float64(j+1)*step - 1
		i := int(math.Floor(pos))
		frac := float32(pos - float64(i))
		i = min(i, n-1)
		next := min(i+1, n-1)
		for c := range ch {
			a, b := at(i, c), at(next, c)
			out[j*ch+c] = a + (b-a)*frac
		}
	}
	r.last = lastFrame(in, ch)
	return out
}

func lastFrame(in []float32, ch int) []float32 {
	if len(in) < ch {
		return nil
	}
	return append([]float32(nil), in[len(in)-ch:]...)
}
