package tsdemux

import (
	"bytes"
	"encoding/binary"
	"math/bits"
)

const (
	testPMTPID   = 0x1000
	testVideoPID = 0x0100
	testAudioPID = 0x0101

	testStartPTS    = 90000
	testFrameTicks  = 3600 // 25 fps
	testAudioTicks  = 3840 // two 1024-sample frames at 48 kHz
	testKeyInterval = 10
)

// tsWriter packetizes payloads into 188-byte transport packets, padding the
// last packet of each unit with adaptation field stuffing.
type tsWriter struct {
	buf bytes.Buffer
	cc  map[uint16]uint8
}

func newTSWriter() *tsWriter { return &tsWriter{cc: make(map[uint16]uint8)} }

func (w *tsWriter) write(pid uint16, payload []byte) {
	first := true
	for len(payload) > 0 {
		n := min(len(payload), tsPacketSize-4)
		pkt := make([]byte, 0, tsPacketSize)
		b1 := byte(pid>>8) & 0x1F
		if first {
			b1 |= 0x40
		}
		cc := w.cc[pid]
		w.cc[pid] = (cc + 1) & 0x0F
		if n == tsPacketSize-4 {
			pkt = append(pkt, tsSyncByte, b1, byte(pid), 0x10|cc)
		} else {
			afLen := tsPacketSize - 5 - n
			pkt = append(pkt, tsSyncByte, b1, byte(pid), 0x30|cc, byte(afLen))
			if afLen > 0 {
				pkt = append(pkt, 0x00)
				pkt = append(pkt, bytes.Repeat([]byte{0xFF}, afLen-1)...)
			}
		}
		pkt = append(pkt, payload[:n]...)
		w.buf.Write(pkt)
		payload = payload[n:]
		first = false
	}
}

func withCRC(sec []byte) []byte {
	return binary.BigEndian.AppendUint32(sec, crc32MPEG(sec))
}

func patPayload(pmtPID uint16) []byte {
	sec := []byte{
		tableIDPAT, 0xB0, 13,
		0x00, 0x01, 0xC1, 0x00, 0x00,
		0x00, 0x01, 0xE0 | byte(pmtPID>>8), byte(pmtPID),
	}
	return append([]byte{0x00}, withCRC(sec)...)
}

func pmtPayload(entries ...esEntry) []byte {
	length := 9 + 5*len(entries) + 4
	sec := []byte{
		tableIDPMT, 0xB0 | byte(length>>8), byte(length),
		0x00, 0x01, 0xC1, 0x00, 0x00,
		0xE0 | byte(testVideoPID>>8), byte(testVideoPID & 0xFF),
		0xF0, 0x00,
	}
	for _, e := range entries {
		sec = append(sec, e.streamType, 0xE0|byte(e.pid>>8), byte(e.pid), 0xF0, 0x00)
	}
	return append([]byte{0x00}, withCRC(sec)...)
}

func encodeTimestamp(prefix byte, ts int64) []byte {
	return []byte{
		prefix<<4 | byte(ts>>29)&0x0E | 1,
		byte(ts >> 22),
		byte(ts>>14)&0xFE | 1,
		byte(ts >> 7),
		byte(ts<<1)&0xFE | 1,
	}
}

// pesPayload builds a PES packet with a PTS. Video packets use the
// unbounded length form.
func pesPayload(streamID byte, pts int64, data []byte) []byte {
	hdr := encodeTimestamp(0x2, pts)
	length := 0
	if streamID != 0xE0 {
		length = 3 + len(hdr) + len(data)
	}
	out := []byte{0, 0, 1, streamID, byte(length >> 8), byte(length), 0x80, 0x80, byte(len(hdr))}
	out = append(out, hdr...)
	return append(out, data...)
}

type bitWriter struct {
	b    []byte
	nbit int
}

func (w *bitWriter) u(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		if w.nbit%8 == 0 {
			w.b = append(w.b, 0)
		}
		if v>>uint(i)&1 == 1 {
			w.b[len(w.b)-1] |= 0x80 >> uint(w.nbit%8)
		}
		w.nbit++
	}
}

func (w *bitWriter) ue(v uint64) {
	n := bits.Len64(v + 1)
	w.u(0, n-1)
	w.u(v+1, n)
}

// trailing writes the RBSP stop bit and aligns.
func (w *bitWriter) trailing() []byte {
	w.u(1, 1)
	for w.nbit%8 != 0 {
		w.u(0, 1)
	}
	return w.b
}

func escapeRBSP(b []byte) []byte {
	var out []byte
	zeros := 0
	for _, c := range b {
		if zeros >= 2 && c <= 3 {
			out = append(out, 3)
			zeros = 0
		}
		out = append(out, c)
		if c == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

// baselineSPS builds a baseline profile SPS NAL unit (header included) for
// a frame of mbW by mbH macroblocks with optional VUI timing.
func baselineSPS(mbW, mbH uint64, units, scale uint32) []byte {
	w := &bitWriter{}
	w.u(66, 8) // profile_idc
	w.u(0, 8)  // constraint flags
	w.u(30, 8) // level_idc
	w.ue(0)    // sps id
	w.ue(0)    // log2_max_frame_num_minus4
	w.ue(0)    // pic_order_cnt_type
	w.ue(0)    // log2_max_poc_lsb_minus4
	w.ue(1)    // max_num_ref_frames
	w.u(0, 1)
	w.ue(mbW - 1)
	w.ue(mbH - 1)
	w.u(1, 1) // frame_mbs_only
	w.u(1, 1) // direct_8x8_inference
	w.u(0, 1) // no cropping
	if units == 0 {
		w.u(0, 1)
	} else {
		w.u(1, 1)
		w.u(0, 4) // no aspect, overscan, signal type, chroma loc
		w.u(1, 1)
		w.u(uint64(units), 32)
		w.u(uint64(scale), 32)
		w.u(0, 1) // fixed_frame_rate
	}
	return append([]byte{0x67}, escapeRBSP(w.trailing())...)
}

func adts(sampleIdx, channels int, payload []byte) []byte {
	length := 7 + len(payload)
	hdr := []byte{
		0xFF, 0xF1,
		0x40 | byte(sampleIdx)<<2 | byte(channels>>2)&0x01,
		byte(channels&0x03)<<6 | byte(length>>11)&0x03,
		byte(length >> 3),
		byte(length&0x07)<<5 | 0x1F,
		0xFC,
	}
	return append(hdr, payload...)
}

func videoFrame(i int) []byte {
	var out []byte
	if i%testKeyInterval == 0 {
		out = append(out, 0, 0, 0, 1)
		out = append(out, baselineSPS(20, 15, 1001, 60000)...)
		out = append(out, 0, 0, 0, 1, 0x65)
	} else {
		out = append(out, 0, 0, 0, 1, 0x41)
	}
	return append(out, bytes.Repeat([]byte{0x88, byte(i)}, 200)...)
}

// buildStream returns a transport stream with frames video frames and two
// AAC frames per video frame.
func buildStream(frames int) []byte {
	return buildStreamTicks(frames, testFrameTicks, testAudioTicks)
}

// buildStreamTicks is buildStream with explicit timestamp steps. Zero steps
// give every packet the same timestamp.
func buildStreamTicks(frames, videoTicks, audioTicks int) []byte {
	w := newTSWriter()
	w.write(pidPAT, patPayload(testPMTPID))
	w.write(testPMTPID, pmtPayload(
		esEntry{pid: testVideoPID, streamType: streamTypeH264},
		esEntry{pid: testAudioPID, streamType: streamTypeAAC},
	))
	for i := range frames {
		w.write(testVideoPID, pesPayload(0xE0, int64(testStartPTS+i*videoTicks), videoFrame(i)))
		aac := append(adts(3, 2, bytes.Repeat([]byte{0x21}, 100)), adts(3, 2, bytes.Repeat([]byte{0x22}, 100))...)
		w.write(testAudioPID, pesPayload(0xC0, int64(testStartPTS+i*audioTicks), aac))
	}
	return w.buf.Bytes()
}

// captionSEI builds an H.264 SEI NAL unit carrying ATSC A/53 caption data
// with the given CEA-608 field 1 byte pairs.
func captionSEI(pairs ...[2]byte) []byte {
	payload := []byte{0xB5, 0x00, 0x31, 'G', 'A', '9', '4', 0x03, 0x40 | byte(len(pairs)), 0xFF}
	for _, p := range pairs {
		payload = append(payload, 0xFC, p[0], p[1])
	}
	payload = append(payload, 0xFF)
	sei := append([]byte{4, byte(len(payload))}, payload...)
	sei = append(sei, 0x80)
	return append([]byte{0x06}, escapeRBSP(sei)...)
}

// buildCaptionStream returns a video-only stream whose second frame
// carries sei ahead of its slice.
func buildCaptionStream(sei []byte) []byte {
	w := newTSWriter()
	w.write(pidPAT, patPayload(testPMTPID))
	w.write(testPMTPID, pmtPayload(esEntry{pid: testVideoPID, streamType: streamTypeH264}))
	for i := range 3 {
		frame := videoFrame(i)
		if i == 1 {
			frame = append(append([]byte{0, 0, 0, 1}, sei...), frame...)
		}
		w.write(testVideoPID, pesPayload(0xE0, int64(testStartPTS+i*testFrameTicks), frame))
	}
	return w.buf.Bytes()
}
