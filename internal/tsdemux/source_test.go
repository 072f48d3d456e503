package tsdemux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/zsiec/ccx"

	"github.com/zsiec/avplay/internal/media"
)

const testFrames = 50

func readAll(t *testing.T, src *Source) []*media.Packet {
	t.Helper()
	var out []*media.Packet
	for {
		p, err := src.ReadPacket(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("ReadPacket: %v", err)
		}
		out = append(out, p)
	}
}

func TestSourceProbesStreams(t *testing.T) {
	t.Parallel()

	src, err := NewSource(bytes.NewReader(buildStream(testFrames)))
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	streams := src.Streams()
	if len(streams) != 2 {
		t.Fatalf("streams: got %d, want 2", len(streams))
	}

	v, a := streams[0], streams[1]
	if v.Type != media.MediaVideo || v.Codec != "h264" || v.Width != 320 || v.Height != 240 {
		t.Errorf("video: got %+v", v)
	}
	if math.Abs(v.FrameDuration-2002.0/60000) > 1e-9 {
		t.Errorf("frame duration: got %v, want %v", v.FrameDuration, 2002.0/60000)
	}
	if v.TimeBase != TimeBase {
		t.Errorf("time base: got %v, want %v", v.TimeBase, TimeBase)
	}
	if a.Type != media.MediaAudio || a.SampleRate != 48000 || a.Channels != 2 {
		t.Errorf("audio: got %+v", a)
	}
}

func TestSourceReadsAllPackets(t *testing.T) {
	t.Parallel()

	src, err := NewSource(bytes.NewReader(buildStream(testFrames)))
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	pkts := readAll(t, src)

	var video, audio []*media.Packet
	for _, p := range pkts {
		if p.StreamIndex == 0 {
			video = append(video, p)
		} else {
			audio = append(audio, p)
		}
	}
	if len(video) != testFrames {
		t.Errorf("video packets: got %d, want %d", len(video), testFrames)
	}
	if len(audio) != 2*testFrames {
		t.Errorf("audio packets: got %d, want %d", len(audio), 2*testFrames)
	}
	if got := src.Packets(); got != int64(len(pkts)) {
		t.Errorf("Packets: got %d, want %d", got, len(pkts))
	}

	for i, p := range video {
		if want := int64(testStartPTS + i*testFrameTicks); p.PTS != want {
			t.Errorf("video %d pts: got %d, want %d", i, p.PTS, want)
		}
		if want := i%testKeyInterval == 0; p.KeyFrame != want {
			t.Errorf("video %d keyframe: got %v, want %v", i, p.KeyFrame, want)
		}
	}
	if len(audio) >= 2 {
		if got, want := audio[1].PTS-audio[0].PTS, int64(1024*90000/48000); got != want {
			t.Errorf("audio frame spacing: got %d, want %d", got, want)
		}
	}
}

func TestSourceNoProgram(t *testing.T) {
	t.Parallel()

	_, err := NewSource(bytes.NewReader(make([]byte, 10*tsPacketSize)))
	if !errors.Is(err, errNoProgram) {
		t.Errorf("got %v, want %v", err, errNoProgram)
	}
}

func TestSourceNotSeekable(t *testing.T) {
	t.Parallel()

	r := struct{ io.Reader }{bytes.NewReader(buildStream(5))}
	src, err := NewSource(r)
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	if err := src.Seek(0, 0, true); !errors.Is(err, media.ErrNotSeekable) {
		t.Errorf("got %v, want %v", err, media.ErrNotSeekable)
	}
	if d := src.Duration(); d != 0 {
		t.Errorf("Duration: got %d, want 0", d)
	}
}

func TestSourceSeekToStart(t *testing.T) {
	t.Parallel()

	src, err := NewSource(bytes.NewReader(buildStream(testFrames)))
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	readAll(t, src)

	if err := src.Seek(0, testStartPTS, true); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if err := src.Seek(1, testStartPTS, true); err != nil {
		t.Fatalf("Seek audio: %v", err)
	}
	p, err := src.ReadPacket(context.Background())
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if p.StreamIndex != 0 || !p.KeyFrame || p.PTS != testStartPTS {
		t.Errorf("first packet: got stream %d key=%v pts=%d, want video keyframe at %d",
			p.StreamIndex, p.KeyFrame, p.PTS, testStartPTS)
	}
}

func TestSourceSeekForwardLandsOnKeyframe(t *testing.T) {
	t.Parallel()

	src, err := NewSource(bytes.NewReader(buildStream(testFrames)))
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	target := int64(testStartPTS + 30*testFrameTicks)
	if err := src.Seek(0, target, false); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	p, err := src.ReadPacket(context.Background())
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if p.StreamIndex != 0 || !p.KeyFrame {
		t.Fatalf("first packet: got stream %d key=%v, want a video keyframe", p.StreamIndex, p.KeyFrame)
	}
	if (p.PTS-testStartPTS)%(testKeyInterval*testFrameTicks) != 0 {
		t.Errorf("pts %d is not a keyframe timestamp", p.PTS)
	}
	if p.PTS <= testStartPTS+testKeyInterval*testFrameTicks {
		t.Errorf("pts: got %d, want past the second keyframe", p.PTS)
	}
}

func TestSourceFailedSeekKeepsPosition(t *testing.T) {
	t.Parallel()

	const frames = 200
	// Every timestamp is equal, so no timeline can be learned.
	src, err := NewSource(bytes.NewReader(buildStreamTicks(frames, 0, 0)))
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	for range 10 {
		if _, err := src.ReadPacket(context.Background()); err != nil {
			t.Fatalf("ReadPacket: %v", err)
		}
	}

	if err := src.Seek(0, testStartPTS+90000, false); !errors.Is(err, errNoTimeline) {
		t.Fatalf("Seek: got %v, want %v", err, errNoTimeline)
	}
	if got, want := len(readAll(t, src)), 3*frames-10; got != want {
		t.Errorf("packets after failed seek: got %d, want %d", got, want)
	}
}

func TestSourceDurationKeepsPosition(t *testing.T) {
	t.Parallel()

	src, err := NewSource(bytes.NewReader(buildStream(testFrames)))
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	for range 10 {
		if _, err := src.ReadPacket(context.Background()); err != nil {
			t.Fatalf("ReadPacket: %v", err)
		}
	}
	if src.Duration() == 0 {
		t.Fatal("Duration: got 0")
	}
	if got, want := len(readAll(t, src)), 3*testFrames-10; got != want {
		t.Errorf("packets after Duration: got %d, want %d", got, want)
	}
}

func TestSourceDecodesCaptions(t *testing.T) {
	t.Parallel()

	// Roll-up mode sent twice as broadcasters do, then "HI".
	sei := captionSEI([2]byte{0x14, 0x25}, [2]byte{0x14, 0x25}, [2]byte{'H', 'I'})
	var got []*ccx.CaptionFrame
	src, err := NewSource(bytes.NewReader(buildCaptionStream(sei)),
		WithCaptions(func(f *ccx.CaptionFrame) { got = append(got, f) }))
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	if n := len(readAll(t, src)); n != 3 {
		t.Errorf("video packets: got %d, want 3", n)
	}

	if len(got) != 1 {
		t.Fatalf("captions: got %d, want 1", len(got))
	}
	c := got[0]
	if c.Text != "HI" {
		t.Errorf("text: got %q, want %q", c.Text, "HI")
	}
	if c.Channel != 1 {
		t.Errorf("channel: got %d, want 1", c.Channel)
	}
	if want := int64(testStartPTS+testFrameTicks) * 1_000_000 / 90000; c.PTS != want {
		t.Errorf("pts: got %d us, want %d", c.PTS, want)
	}
}

func TestSourceDuration(t *testing.T) {
	t.Parallel()

	src, err := NewSource(bytes.NewReader(buildStream(testFrames)))
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	// The last audio PES starts after the last video frame.
	want := int64((testFrames - 1) * testAudioTicks)
	if got := src.Duration(); got != want {
		t.Errorf("Duration: got %d, want %d", got, want)
	}
}

func TestOpenerOpensFiles(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "clip.ts")
	if err := os.WriteFile(path, buildStream(10), 0o644); err != nil {
		t.Fatal(err)
	}

	o := &Opener{}
	for _, u := range []string{path, "file://" + path} {
		src, err := o.Open(context.Background(), u)
		if err != nil {
			t.Fatalf("Open(%q): %v", u, err)
		}
		if n := len(src.Streams()); n != 2 {
			t.Errorf("Open(%q): got %d streams, want 2", u, n)
		}
		if err := src.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	}
}

func TestOpenerErrors(t *testing.T) {
	t.Parallel()

	o := &Opener{}
	for _, u := range []string{"rtmp://example.com/live", filepath.Join(t.TempDir(), "missing.ts")} {
		if _, err := o.Open(context.Background(), u); err == nil {
			t.Errorf("Open(%q): expected error", u)
		}
	}
}

func TestReadPacketCancelClosesReader(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	go func() {
		pw.Write(buildStream(5))
	}()
	src, err := NewSource(pr, WithProbeBytes(int64(len(buildStream(5)))))
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		for {
			if _, err := src.ReadPacket(ctx); err != nil {
				done <- err
				return
			}
		}
	}()
	cancel()
	if err := <-done; err == nil {
		t.Error("expected an error after cancel")
	}
}
