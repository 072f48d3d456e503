// Package tsdemux turns MPEG transport streams (H.264 video, ADTS AAC
// audio) into timestamped media packets. Sources can be files, which are
// seekable, or live SRT connections.
package tsdemux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/avplay/internal/media"
)

// TimeBase is the 90 kHz MPEG system clock all packet timestamps use.
var TimeBase = media.Rational{Num: 1, Den: 90000}

// DefaultProbeBytes bounds how much input is read to discover streams.
const DefaultProbeBytes = 4 << 20

const (
	seekTailBytes = 2 << 20
	seekMargin    = 1 * 90000 // ticks to back off for backward seeks
)

var errNoProgram = errors.New("tsdemux: no program map found")

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the logger. If nil, slog.Default() is used.
func WithLogger(log *slog.Logger) Option {
	return func(s *Source) {
		if log != nil {
			s.log = log
		}
	}
}

// WithCaptions delivers CEA-608/708 captions found in video SEI to h.
func WithCaptions(h CaptionHandler) Option {
	return func(s *Source) {
		if h != nil {
			s.captions = newCaptionDecoder(h)
		}
	}
}

// WithProbeBytes overrides DefaultProbeBytes.
func WithProbeBytes(n int64) Option {
	return func(s *Source) { s.probeBytes = n }
}

// Source is a media.Source over an MPEG-TS byte stream.
type Source struct {
	log        *slog.Logger
	r          io.Reader
	seeker     io.ReadSeeker
	closer     io.Closer
	ra         *reassembler
	probeBytes int64
	captions   *captionDecoder

	streams  []media.StreamInfo
	videoPID uint16
	audioPID uint16
	video    int // stream index, -1 when absent
	audio    int

	pending []*media.Packet

	// Seek support, filled lazily on the first Seek.
	size      int64
	firstPTS  int64
	lastPTS   int64
	timeKnown bool
	syncKey   bool // drop video until a keyframe after a seek
	lastSeek  *seekTarget

	packets   atomic.Int64
	closeOnce sync.Once
	closeErr  error
	watchOnce sync.Once
}

var _ media.Source = (*Source)(nil)

// NewSource probes r for a program map and stream parameters. r is closed
// by Close when it implements io.Closer, and is seekable when it implements
// io.ReadSeeker.
func NewSource(r io.Reader, opts ...Option) (*Source, error) {
	s := &Source{
		log:        slog.Default(),
		r:          r,
		ra:         newReassembler(r),
		probeBytes: DefaultProbeBytes,
		video:      -1,
		audio:      -1,
		firstPTS:   -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "tsdemux")
	if rs, ok := r.(io.ReadSeeker); ok {
		s.seeker = rs
	}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}

	if err := s.probe(); err != nil {
		return nil, err
	}
	return s, nil
}

// probe reads until the program map and the parameters of every declared
// stream are known. Packets read meanwhile are kept for ReadPacket.
func (s *Source) probe() error {
	for {
		if s.ra.read >= s.probeBytes {
			break
		}
		u, err := s.ra.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("probing transport stream: %w", err)
		}
		s.handle(u)
		if len(s.streams) > 0 && s.probed() {
			break
		}
	}
	if len(s.streams) == 0 {
		return errNoProgram
	}
	for _, st := range s.streams {
		s.log.Info("stream found", "index", st.Index, "type", st.Type, "codec", st.Codec,
			"width", st.Width, "height", st.Height,
			"sample_rate", st.SampleRate, "channels", st.Channels)
	}
	return nil
}

func (s *Source) probed() bool {
	if s.video >= 0 && s.streams[s.video].Width == 0 {
		return false
	}
	if s.audio >= 0 && s.streams[s.audio].SampleRate == 0 {
		return false
	}
	return true
}

// Streams returns the elementary streams found while probing.
func (s *Source) Streams() []media.StreamInfo {
	return append([]media.StreamInfo(nil), s.streams...)
}

// Packets returns the number of packets delivered so far.
func (s *Source) Packets() int64 { return s.packets.Load() }

// ReadPacket returns the next packet, or io.EOF at the end of input.
// Cancelling ctx closes the underlying reader so that a blocked read
// returns.
func (s *Source) ReadPacket(ctx context.Context) (*media.Packet, error) {
	s.watchOnce.Do(func() {
		if s.closer != nil {
			context.AfterFunc(ctx, func() { s.Close() })
		}
	})

	for len(s.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		u, err := s.ra.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Debug("transport stream ended",
					"bytes", s.ra.read, "packets", s.packets.Load(), "resyncs", s.ra.resync)
				return nil, io.EOF
			}
			return nil, fmt.Errorf("reading transport stream: %w", err)
		}
		s.handle(u)
	}

	p := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	s.packets.Add(1)
	return p, nil
}

// handle consumes one reassembled unit.
func (s *Source) handle(u unit) {
	if u.psi {
		if u.pid != pidPAT {
			s.handlePMT(u.data)
		}
		return
	}
	switch {
	case s.videoPID != 0 && u.pid == s.videoPID:
		s.handleVideo(u.data)
	case s.audioPID != 0 && u.pid == s.audioPID:
		s.handleAudio(u.data)
	}
}

// handlePMT selects the first H.264 and the first AAC stream of the first
// program map.
func (s *Source) handlePMT(b []byte) {
	if len(s.streams) > 0 {
		return
	}
	entries, err := parsePMT(b)
	if err != nil {
		s.log.Debug("skipping program map", "error", err)
		return
	}
	for _, es := range entries {
		switch es.streamType {
		case streamTypeH264:
			if s.videoPID == 0 {
				s.videoPID = es.pid
				s.video = len(s.streams)
				s.streams = append(s.streams, media.StreamInfo{
					Index: s.video, Type: media.MediaVideo, Codec: "h264", TimeBase: TimeBase,
				})
			}
		case streamTypeAAC:
			if s.audioPID == 0 {
				s.audioPID = es.pid
				s.audio = len(s.streams)
				s.streams = append(s.streams, media.StreamInfo{
					Index: s.audio, Type: media.MediaAudio, Codec: "aac", TimeBase: TimeBase,
				})
			}
		case streamTypeH265:
			s.log.Warn("ignoring unsupported stream", "pid", es.pid, "codec", "h265")
		}
	}
}

func (s *Source) handleVideo(b []byte) {
	pes, err := parsePES(b)
	if err != nil || len(pes.data) == 0 {
		return
	}
	key := false
	for _, nal := range splitAnnexB(pes.data) {
		switch nal.typ {
		case nalIDR:
			key = true
		case nalSPS:
			key = true
			if st := &s.streams[s.video]; st.Width == 0 {
				if info, err := parseSPS(nal.data); err == nil {
					st.Width, st.Height, st.FrameDuration = info.Width, info.Height, info.FrameDuration
				}
			}
		case nalSEI:
			if s.captions != nil {
				s.captions.sei(nal.data, ticksToMicros(pes.pts))
			}
		}
	}
	if s.captions != nil {
		s.captions.frame()
	}

	if s.syncKey {
		if !key {
			return
		}
		s.syncKey = false
	}
	s.notePTS(pes.pts)
	s.pending = append(s.pending, &media.Packet{
		StreamIndex: s.video,
		Data:        pes.data,
		PTS:         orNoPTS(pes.pts),
		DTS:         orNoPTS(pes.dts),
		KeyFrame:    key,
	})
}

// handleAudio emits one packet per ADTS frame. Frames after the first in a
// PES packet get timestamps extrapolated from the frame length.
func (s *Source) handleAudio(b []byte) {
	pes, err := parsePES(b)
	if err != nil || len(pes.data) == 0 {
		return
	}
	frames, err := splitADTS(pes.data)
	if err != nil {
		s.log.Debug("bad ADTS data", "error", err)
	}
	if s.syncKey && s.video >= 0 {
		return
	}
	for i, f := range frames {
		if st := &s.streams[s.audio]; st.SampleRate == 0 {
			st.SampleRate, st.Channels = f.sampleRate, f.channels
		}
		pts := pes.pts
		if pts >= 0 && f.sampleRate > 0 {
			pts += int64(i) * SamplesPerADTSFrame * 90000 / int64(f.sampleRate)
		}
		if i == 0 {
			s.notePTS(pts)
		}
		s.pending = append(s.pending, &media.Packet{
			StreamIndex: s.audio,
			Data:        f.data,
			PTS:         orNoPTS(pts),
			DTS:         orNoPTS(pts),
			KeyFrame:    true,
		})
	}
}

func (s *Source) notePTS(pts int64) {
	if pts >= 0 && s.firstPTS < 0 {
		s.firstPTS = pts
	}
}

func orNoPTS(ts int64) int64 {
	if ts < 0 {
		return media.NoPTS
	}
	return ts
}

func ticksToMicros(ts int64) int64 {
	if ts < 0 {
		return 0
	}
	return ts * 1_000_000 / 90000
}

// Close releases the underlying reader.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer.Close()
		}
	})
	return s.closeErr
}
