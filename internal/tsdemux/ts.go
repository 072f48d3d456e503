package tsdemux

import (
	"errors"
	"fmt"
	"io"
	"sort"
)

const (
	tsPacketSize = 188
	tsSyncByte   = 0x47

	pidPAT = 0x0000

	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

var errCRC = errors.New("tsdemux: section CRC32 mismatch")

// tsHeader holds the transport packet header fields the reassembler needs.
type tsHeader struct {
	pid           uint16
	cc            uint8
	unitStart     bool
	transportErr  bool
	discontinuity bool
	hasPayload    bool
}

// parseTSPacket splits one 188-byte transport packet into header and
// payload. The payload aliases buf.
func parseTSPacket(buf []byte) (tsHeader, []byte, error) {
	var h tsHeader
	if len(buf) != tsPacketSize {
		return h, nil, fmt.Errorf("tsdemux: packet size %d, expected %d", len(buf), tsPacketSize)
	}
	if buf[0] != tsSyncByte {
		return h, nil, fmt.Errorf("tsdemux: invalid sync byte 0x%02X", buf[0])
	}
	h.transportErr = buf[1]&0x80 != 0
	h.unitStart = buf[1]&0x40 != 0
	h.pid = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	hasAF := buf[3]&0x20 != 0
	h.hasPayload = buf[3]&0x10 != 0
	h.cc = buf[3] & 0x0F

	off := 4
	if hasAF {
		afLen := int(buf[off])
		if afLen > 0 && off+1 < tsPacketSize {
			h.discontinuity = buf[off+1]&0x80 != 0
		}
		off += 1 + afLen
	}
	if !h.hasPayload || off >= tsPacketSize {
		return h, nil, nil
	}
	return h, buf[off:], nil
}

// pidBuffer collects the payload of one PID between unit starts.
type pidBuffer struct {
	data    []byte
	started bool
	lastCC  uint8
}

// unit is one reassembled payload: a PSI section list or a PES packet.
type unit struct {
	pid  uint16
	psi  bool
	data []byte
}

// reassembler turns transport packets into complete PSI and PES units. It
// tracks which PIDs carry PMT sections from the PATs it has seen.
type reassembler struct {
	r      io.Reader
	buf    [tsPacketSize]byte
	pids   map[uint16]*pidBuffer
	pmts   map[uint16]bool
	ready  []unit
	eof    bool
	read   int64 // bytes consumed from r
	resync int64 // times the sync byte was lost
}

func newReassembler(r io.Reader) *reassembler {
	return &reassembler{
		r:    r,
		pids: make(map[uint16]*pidBuffer),
		pmts: make(map[uint16]bool),
	}
}

// reset drops partial units, as after a seek in the underlying reader.
func (ra *reassembler) reset() {
	ra.pids = make(map[uint16]*pidBuffer)
	ra.ready = nil
	ra.eof = false
}

func (ra *reassembler) isPSI(pid uint16) bool {
	return pid == pidPAT || ra.pmts[pid]
}

// next returns the next complete unit, flushing partial units at EOF.
func (ra *reassembler) next() (unit, error) {
	for {
		if len(ra.ready) > 0 {
			u := ra.ready[0]
			ra.ready = ra.ready[1:]
			return u, nil
		}
		if ra.eof {
			return unit{}, io.EOF
		}

		n, err := io.ReadFull(ra.r, ra.buf[:])
		ra.read += int64(n)
		if err != nil {
			if err := ra.endOnEOF(err); err != nil {
				return unit{}, err
			}
			continue
		}
		if ra.buf[0] != tsSyncByte {
			ra.resync++
			if err := ra.resyncTo(); err != nil {
				return unit{}, err
			}
			continue
		}
		h, payload, err := parseTSPacket(ra.buf[:])
		if err != nil {
			continue
		}
		ra.add(h, payload)
	}
}

// resyncTo scans forward to the next sync byte and refills the packet
// buffer from there.
func (ra *reassembler) resyncTo() error {
	for i := 1; i < tsPacketSize; i++ {
		if ra.buf[i] == tsSyncByte {
			n := copy(ra.buf[:], ra.buf[i:])
			m, err := io.ReadFull(ra.r, ra.buf[n:])
			ra.read += int64(m)
			if err == nil {
				h, payload, perr := parseTSPacket(ra.buf[:])
				if perr == nil {
					ra.add(h, payload)
				}
			}
			return ra.endOnEOF(err)
		}
	}
	return nil
}

// endOnEOF turns a short read into end of input.
func (ra *reassembler) endOnEOF(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		ra.eof = true
		ra.flushAll()
		return nil
	}
	return err
}

func (ra *reassembler) add(h tsHeader, payload []byte) {
	pb := ra.pids[h.pid]
	if pb == nil {
		pb = &pidBuffer{}
		ra.pids[h.pid] = pb
	}
	if h.transportErr {
		pb.data, pb.started = pb.data[:0], false
		return
	}
	if !h.hasPayload {
		return
	}

	if pb.started && !h.discontinuity {
		want := (pb.lastCC + 1) & 0x0F
		if h.cc == pb.lastCC {
			return
		}
		if h.cc != want {
			pb.data, pb.started = pb.data[:0], false
		}
	}
	pb.lastCC = h.cc

	if h.unitStart {
		if pb.started && len(pb.data) > 0 {
			ra.emit(h.pid, pb)
		}
		pb.data = append(pb.data[:0], payload...)
		pb.started = true
	} else if pb.started {
		pb.data = append(pb.data, payload...)
	}

	if pb.started && ra.isPSI(h.pid) && sectionsComplete(pb.data) {
		ra.emit(h.pid, pb)
		pb.started = false
	}
}

func (ra *reassembler) emit(pid uint16, pb *pidBuffer) {
	data := make([]byte, len(pb.data))
	copy(data, pb.data)
	pb.data = pb.data[:0]

	psi := ra.isPSI(pid)
	if psi && pid == pidPAT {
		for _, pmt := range parsePAT(data) {
			ra.pmts[pmt] = true
		}
	}
	ra.ready = append(ra.ready, unit{pid: pid, psi: psi, data: data})
}

// flushAll emits every partial unit, PAT first so later PMT PIDs are
// recognized.
func (ra *reassembler) flushAll() {
	pids := make([]int, 0, len(ra.pids))
	for pid := range ra.pids {
		pids = append(pids, int(pid))
	}
	sort.Ints(pids)
	for _, pid := range pids {
		pb := ra.pids[uint16(pid)]
		if pb.started && len(pb.data) > 0 {
			ra.emit(uint16(pid), pb)
			pb.started = false
		}
	}
}

// sections walks the PSI sections in payload, which starts with a pointer
// field. It returns each complete section.
func sections(payload []byte) [][]byte {
	if len(payload) < 1 {
		return nil
	}
	off := 1 + int(payload[0])
	var out [][]byte
	for off+3 <= len(payload) {
		if payload[off] == 0xFF || payload[off+1]&0x80 == 0 {
			break
		}
		end := off + 3 + (int(payload[off+1]&0x0F)<<8 | int(payload[off+2]))
		if end > len(payload) {
			break
		}
		out = append(out, payload[off:end])
		off = end
	}
	return out
}

// sectionsComplete reports whether payload holds only whole sections
// followed by stuffing.
func sectionsComplete(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	off := 1 + int(payload[0])
	if off >= len(payload) {
		return false
	}
	for off < len(payload) {
		if payload[off] == 0xFF {
			return true
		}
		if off+3 > len(payload) {
			return false
		}
		if payload[off+1]&0x80 == 0 {
			return true
		}
		off += 3 + (int(payload[off+1]&0x0F)<<8 | int(payload[off+2]))
		if off > len(payload) {
			return false
		}
	}
	return true
}

// parsePAT returns the PMT PIDs of every program in a PAT payload.
func parsePAT(payload []byte) []uint16 {
	var pids []uint16
	for _, sec := range sections(payload) {
		if sec[0] != tableIDPAT || len(sec) < 12 || verifyCRC32(sec) != nil {
			continue
		}
		for i := 8; i+4 <= len(sec)-4; i += 4 {
			program := uint16(sec[i])<<8 | uint16(sec[i+1])
			if program == 0 {
				continue // network PID
			}
			pids = append(pids, uint16(sec[i+2]&0x1F)<<8|uint16(sec[i+3]))
		}
	}
	return pids
}

// esEntry is one elementary stream declared by a PMT.
type esEntry struct {
	pid        uint16
	streamType uint8
}

// parsePMT returns the elementary streams declared in a PMT payload.
func parsePMT(payload []byte) ([]esEntry, error) {
	var out []esEntry
	for _, sec := range sections(payload) {
		if sec[0] != tableIDPMT {
			continue
		}
		if len(sec) < 16 {
			return nil, errors.New("tsdemux: PMT too short")
		}
		if err := verifyCRC32(sec); err != nil {
			return nil, err
		}
		end := len(sec) - 4
		off := 12 + (int(sec[10]&0x0F)<<8 | int(sec[11]))
		for off+5 <= end {
			out = append(out, esEntry{
				pid:        uint16(sec[off+1]&0x1F)<<8 | uint16(sec[off+2]),
				streamType: sec[off],
			})
			off += 5 + (int(sec[off+3]&0x0F)<<8 | int(sec[off+4]))
		}
	}
	return out, nil
}

// MPEG-2 CRC32, polynomial 0x04C11DB7.
var crcTable = func() (t [256]uint32) {
	for i := range t {
		c := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if c&0x80000000 != 0 {
				c = c<<1 ^ 0x04C11DB7
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

func crc32MPEG(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

// verifyCRC32 checks a section whose last four bytes are its CRC.
func verifyCRC32(sec []byte) error {
	if len(sec) < 4 || crc32MPEG(sec) != 0 {
		return errCRC
	}
	return nil
}

// pesPacket is a parsed PES packet. pts and dts are 90 kHz ticks, or -1
// when absent.
type pesPacket struct {
	streamID uint8
	pts      int64
	dts      int64
	data     []byte
}

func parsePES(b []byte) (pesPacket, error) {
	p := pesPacket{pts: -1, dts: -1}
	if len(b) < 6 || b[0] != 0 || b[1] != 0 || b[2] != 1 {
		return p, errors.New("tsdemux: missing PES start code")
	}
	p.streamID = b[3]
	length := int(b[4])<<8 | int(b[5])

	switch p.streamID {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		p.data = bounded(b, 6, length)
		return p, nil
	}
	if len(b) < 9 {
		return p, errors.New("tsdemux: PES header too short")
	}

	flags := b[7] >> 6
	start := 9 + int(b[8])
	if start > len(b) {
		start = len(b)
	}
	if flags&0x2 != 0 && len(b) >= 14 {
		p.pts = parseTimestamp(b[9:14])
		p.dts = p.pts
	}
	if flags == 0x3 && len(b) >= 19 {
		p.dts = parseTimestamp(b[14:19])
	}
	p.data = b[start:]
	if length > 0 && 6+length <= len(b) && start <= 6+length {
		p.data = b[start : 6+length]
	}
	return p, nil
}

func bounded(b []byte, start, length int) []byte {
	if length > 0 && start+length <= len(b) {
		return b[start : start+length]
	}
	return b[start:]
}

// parseTimestamp decodes a 33-bit PES timestamp.
func parseTimestamp(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1)
}
