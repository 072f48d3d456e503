package tsdemux

import (
	"errors"
)

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	nalIDR = 5
	nalSEI = 6
	nalSPS = 7
)

// PMT stream types.
const (
	streamTypeH264 = 0x1B
	streamTypeH265 = 0x24
	streamTypeAAC  = 0x0F
)

var (
	errShortSPS    = errors.New("tsdemux: SPS truncated")
	errInvalidADTS = errors.New("tsdemux: invalid ADTS header")
)

// nalUnit is one NAL unit without its start code.
type nalUnit struct {
	typ  byte
	data []byte
}

// splitAnnexB returns the H.264 NAL units of an Annex B byte stream. Both
// three and four byte start codes are recognized.
func splitAnnexB(b []byte) []nalUnit {
	var units []nalUnit
	start := -1
	flush := func(end int) {
		if start >= 0 && start < end {
			units = append(units, nalUnit{typ: b[start] & 0x1F, data: b[start:end]})
		}
	}
	for i := 0; i+2 < len(b); {
		if b[i] == 0 && b[i+1] == 0 && b[i+2] == 1 {
			end := i
			if end > 0 && b[end-1] == 0 {
				end--
			}
			flush(end)
			i += 3
			start = i
			continue
		}
		i++
	}
	flush(len(b))
	return units
}

// unescapeRBSP removes emulation prevention bytes.
func unescapeRBSP(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if i+2 < len(b) && b[i] == 0 && b[i+1] == 0 && b[i+2] == 3 &&
			(i+3 >= len(b) || b[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
			continue
		}
		out = append(out, b[i])
	}
	return out
}

type bitReader struct {
	b   []byte
	pos int
	bit int
}

func (br *bitReader) u(n int) (uint, error) {
	var v uint
	for i := 0; i < n; i++ {
		if br.pos >= len(br.b) {
			return 0, errShortSPS
		}
		v = v<<1 | uint(br.b[br.pos]>>(7-br.bit)&1)
		if br.bit++; br.bit == 8 {
			br.bit = 0
			br.pos++
		}
	}
	return v, nil
}

// ue reads an Exp-Golomb coded unsigned value.
func (br *bitReader) ue() (uint, error) {
	zeros := 0
	for {
		b, err := br.u(1)
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		if zeros++; zeros > 31 {
			return 0, errShortSPS
		}
	}
	suffix, err := br.u(zeros)
	if err != nil {
		return 0, err
	}
	return 1<<zeros - 1 + suffix, nil
}

func (br *bitReader) se() (int, error) {
	v, err := br.ue()
	if err != nil {
		return 0, err
	}
	if v%2 == 0 {
		return -int(v / 2), nil
	}
	return int((v + 1) / 2), nil
}

// spsInfo is what playback needs from a sequence parameter set.
// FrameDuration is zero when the SPS carries no timing info.
type spsInfo struct {
	Width         int
	Height        int
	FrameDuration float64
}

// parseSPS reads the coded size, cropping and VUI timing of an H.264 SPS
// NAL unit (header byte included).
func parseSPS(nal []byte) (spsInfo, error) {
	var info spsInfo
	if len(nal) < 4 {
		return info, errShortSPS
	}
	br := &bitReader{b: unescapeRBSP(nal[1:])}
	var errs error
	u := func(n int) uint {
		v, err := br.u(n)
		errs = errors.Join(errs, err)
		return v
	}
	ue := func() uint {
		v, err := br.ue()
		errs = errors.Join(errs, err)
		return v
	}
	se := func() int {
		v, err := br.se()
		errs = errors.Join(errs, err)
		return v
	}

	profile := u(8)
	u(16) // constraint flags, level
	ue()  // seq_parameter_set_id

	chroma := uint(1)
	switch profile {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		chroma = ue()
		if chroma == 3 {
			if u(1) == 1 {
				chroma = 0 // separate colour planes
			}
		}
		ue() // bit_depth_luma
		ue() // bit_depth_chroma
		u(1) // qpprime_y_zero_transform_bypass
		if u(1) == 1 {
			lists := 8
			if chroma == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				if u(1) == 0 {
					continue
				}
				size := 16
				if i >= 6 {
					size = 64
				}
				last, next := 8, 8
				for j := 0; j < size && errs == nil; j++ {
					if next != 0 {
						next = (last + se() + 256) % 256
					}
					if next != 0 {
						last = next
					}
				}
			}
		}
	}

	ue() // log2_max_frame_num
	switch ue() {
	case 0:
		ue()
	case 1:
		u(1)
		se()
		se()
		for n := ue(); n > 0 && errs == nil; n-- {
			se()
		}
	}
	ue() // max_num_ref_frames
	u(1) // gaps_in_frame_num_allowed
	mbW := ue()
	mapH := ue()
	frameMbsOnly := u(1)
	if frameMbsOnly == 0 {
		u(1)
	}
	u(1) // direct_8x8_inference

	var cl, cr, ct, cb uint
	if u(1) == 1 {
		cl, cr, ct, cb = ue(), ue(), ue(), ue()
	}
	if errs != nil {
		return info, errs
	}

	subW, subH := uint(2), uint(2)
	switch chroma {
	case 0, 3:
		subW, subH = 1, 1
	case 2:
		subH = 1
	}
	cropX := subW
	cropY := subH * (2 - frameMbsOnly)
	info.Width = int((mbW+1)*16 - cropX*(cl+cr))
	info.Height = int((mapH+1)*16*(2-frameMbsOnly) - cropY*(ct+cb))

	if u(1) == 0 || errs != nil {
		return info, nil
	}
	if u(1) == 1 { // aspect_ratio_info
		if u(8) == 255 {
			u(32)
		}
	}
	if u(1) == 1 { // overscan_info
		u(1)
	}
	if u(1) == 1 { // video_signal_type
		u(4)
		if u(1) == 1 {
			u(24)
		}
	}
	if u(1) == 1 { // chroma_loc_info
		ue()
		ue()
	}
	if u(1) == 1 && errs == nil { // timing_info
		units := u(32)
		scale := u(32)
		if errs == nil && units > 0 && scale > 0 {
			info.FrameDuration = 2 * float64(units) / float64(scale)
		}
	}
	return info, nil
}

// aacSampleRates maps the ADTS sampling frequency index to Hz.
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000,
	24000, 22050, 16000, 12000, 11025, 8000, 7350,
}

// SamplesPerADTSFrame is the AAC frame length in samples per channel.
const SamplesPerADTSFrame = 1024

// adtsFrame is one AAC frame with its ADTS header.
type adtsFrame struct {
	data       []byte
	sampleRate int
	channels   int
}

// splitADTS returns the complete ADTS frames in b, skipping garbage between
// sync words.
func splitADTS(b []byte) ([]adtsFrame, error) {
	var frames []adtsFrame
	for off := 0; len(b)-off >= 7; {
		if b[off] != 0xFF || b[off+1]&0xF0 != 0xF0 {
			off++
			continue
		}
		hdr := 7
		if b[off+1]&0x01 == 0 {
			hdr = 9 // CRC present
		}
		idx := int(b[off+2] >> 2 & 0x0F)
		if idx >= len(aacSampleRates) {
			return frames, errInvalidADTS
		}
		length := int(b[off+3]&0x03)<<11 | int(b[off+4])<<3 | int(b[off+5]>>5)
		if length < hdr || off+length > len(b) {
			break
		}
		frames = append(frames, adtsFrame{
			data:       b[off : off+length],
			sampleRate: aacSampleRates[idx],
			channels:   int(b[off+2]&0x01<<2 | b[off+3]>>6&0x03),
		})
		off += length
	}
	return frames, nil
}
