package player

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/avplay/internal/clock"
	"github.com/zsiec/avplay/internal/mailbox"
	"github.com/zsiec/avplay/internal/media"
)

var msTimeBase = media.Rational{Num: 1, Den: 1000}

func videoInfo() media.StreamInfo {
	return media.StreamInfo{Index: 0, Type: media.MediaVideo, Codec: "h264", TimeBase: msTimeBase,
		Width: 4, Height: 4, FrameDuration: 0.001}
}

func audioInfo() media.StreamInfo {
	return media.StreamInfo{Index: 1, Type: media.MediaAudio, Codec: "aac", TimeBase: msTimeBase,
		SampleRate: 48000, Channels: 2}
}

type seekCall struct {
	stream   int
	ts       int64
	backward bool
}

// fakeSource serves a fixed packet list, or generates packets forever when
// endless is set.
type fakeSource struct {
	mu      sync.Mutex
	streams []media.StreamInfo
	packets []*media.Packet
	pos     int
	endless bool
	step    int64
	next    map[int]int64
	turn    int
	seekErr error
	seeks   []seekCall
	closed  int
}

func newFakeSource(streams ...media.StreamInfo) *fakeSource {
	return &fakeSource{streams: streams, step: 1, next: make(map[int]int64)}
}

// addPackets appends n packets per stream with PTS 0, step, 2*step...
func (f *fakeSource) addPackets(n int) {
	for i := 0; i < n; i++ {
		for _, st := range f.streams {
			ts := int64(i) * f.step
			f.packets = append(f.packets, &media.Packet{
				StreamIndex: st.Index, Data: make([]byte, 100), PTS: ts, DTS: ts, KeyFrame: true,
			})
		}
	}
}

func (f *fakeSource) Streams() []media.StreamInfo { return f.streams }

func (f *fakeSource) ReadPacket(ctx context.Context) (*media.Packet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pos < len(f.packets) {
		p := f.packets[f.pos]
		f.pos++
		return p, nil
	}
	if !f.endless || len(f.streams) == 0 {
		return nil, io.EOF
	}
	st := f.streams[f.turn%len(f.streams)]
	f.turn++
	ts := f.next[st.Index]
	f.next[st.Index] = ts + f.step
	return &media.Packet{StreamIndex: st.Index, Data: make([]byte, 100), PTS: ts, DTS: ts}, nil
}

func (f *fakeSource) Seek(stream int, ts int64, backward bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeks = append(f.seeks, seekCall{stream, ts, backward})
	if f.seekErr != nil {
		return f.seekErr
	}
	f.next[stream] = ts
	return nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeSource) seekCalls() []seekCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]seekCall(nil), f.seeks...)
}

func (f *fakeSource) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeOpener struct {
	src media.Source
	err error
}

func (o fakeOpener) Open(ctx context.Context, url string) (media.Source, error) {
	return o.src, o.err
}

type fakeVideoDecoder struct {
	closed  bool
	flushes atomic.Int32
}

func (d *fakeVideoDecoder) Decode(p *media.Packet) ([]*media.VideoFrame, error) {
	return []*media.VideoFrame{{PTS: p.PTS, DTS: p.DTS, Width: 4, Height: 4, Format: media.PixelI420}}, nil
}
func (d *fakeVideoDecoder) Flush() { d.flushes.Add(1) }
func (d *fakeVideoDecoder) Close() error { d.closed = true; return nil }

type fakeAudioDecoder struct {
	err     error
	flushes atomic.Int32
}

func (d *fakeAudioDecoder) Decode(p *media.Packet) ([]*media.AudioFrame, error) {
	if d.err != nil {
		return nil, d.err
	}
	return []*media.AudioFrame{{
		PTS: p.PTS, SampleRate: 48000, Channels: 2, Format: media.SampleS16,
		Samples: 1024, Data: make([]byte, 4096),
	}}, nil
}
func (d *fakeAudioDecoder) Flush() { d.flushes.Add(1) }
func (d *fakeAudioDecoder) Close() error { return nil }

type fakeCodecs struct {
	video    *fakeVideoDecoder
	audio    *fakeAudioDecoder
	videoErr error
}

func newFakeCodecs() *fakeCodecs {
	return &fakeCodecs{video: &fakeVideoDecoder{}, audio: &fakeAudioDecoder{}}
}

func (c *fakeCodecs) OpenVideo(media.StreamInfo) (media.VideoDecoder, error) {
	if c.videoErr != nil {
		return nil, c.videoErr
	}
	return c.video, nil
}

func (c *fakeCodecs) OpenAudio(media.StreamInfo) (media.AudioDecoder, error) {
	return c.audio, nil
}

// fakeResampler returns a block of ones so silence is distinguishable.
type fakeResampler struct{}

func (fakeResampler) Resample(f *media.AudioFrame, to media.AudioFormat) ([]byte, error) {
	out := make([]byte, f.Samples*to.FrameBytes())
	for i := range out {
		out[i] = 1
	}
	return out, nil
}

type fakeScaler struct{}

func (fakeScaler) Scale(dst *media.Image, src *media.VideoFrame) error { return nil }

type fakeVideoSink struct {
	mu     sync.Mutex
	pts    []float64
	closed int
}

func (s *fakeVideoSink) Present(img *media.Image, pts float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pts = append(s.pts, pts)
	return nil
}

func (s *fakeVideoSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeVideoSink) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeVideoSink) presented() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.pts...)
}

// fakeAudioSink pulls one 1024-frame period every millisecond.
type fakeAudioSink struct {
	mu     sync.Mutex
	format media.AudioFormat
	muted  bool
	stop   chan struct{}
	wg     sync.WaitGroup
	closed int
}

func (s *fakeAudioSink) Configure(want media.AudioFormat) (media.AudioFormat, error) {
	s.format = want
	return want, nil
}

func (s *fakeAudioSink) Start(pull media.PullFunc) error {
	s.stop = make(chan struct{})
	buf := make([]byte, 1024*s.format.FrameBytes())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-t.C:
				pull(buf)
			}
		}
	}()
	return nil
}

func (s *fakeAudioSink) Mute(m bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = m
}

func (s *fakeAudioSink) isMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *fakeAudioSink) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeAudioSink) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.wg.Wait()
	}
	return nil
}

type env struct {
	src    *fakeSource
	codecs *fakeCodecs
	vsink  *fakeVideoSink
	asink  *fakeAudioSink
	notify *mailbox.Mailbox
}

func newEnv(src *fakeSource) *env {
	return &env{
		src:    src,
		codecs: newFakeCodecs(),
		vsink:  &fakeVideoSink{},
		asink:  &fakeAudioSink{},
		notify: mailbox.New(256),
	}
}

func (e *env) deps() Deps {
	return Deps{
		Opener:    fakeOpener{src: e.src},
		Codecs:    e.codecs,
		Resampler: fakeResampler{},
		Scaler:    fakeScaler{},
		VideoSink: e.vsink,
		AudioSink: e.asink,
	}
}

func testOptions(sync clock.SyncType) Options {
	o := DefaultOptions()
	o.Sync = sync
	o.PositionInterval = 0
	return o
}

func waitDone(t *testing.T, s *Session) error {
	t.Helper()
	select {
	case <-s.Done():
		return s.Wait()
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
		return nil
	}
}

// eventually polls cond until it holds or a deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// drain returns every message currently queued on m.
func drain(m *mailbox.Mailbox) []mailbox.Message {
	var out []mailbox.Message
	for {
		select {
		case msg := <-m.C():
			out = append(out, msg)
		default:
			return out
		}
	}
}

var errBoom = errors.New("boom")
