package avsync

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/zsiec/avplay/internal/media"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestPTSCorrectorPrefersReorderedPTS(t *testing.T) {
	t.Parallel()

	c := NewPTSCorrector()
	for i := int64(0); i < 5; i++ {
		if got := c.Guess(i*10, i*10-5); got != i*10 {
			t.Errorf("frame %d: got %d, want %d", i, got, i*10)
		}
	}
}

func TestPTSCorrectorFallsBackToDTS(t *testing.T) {
	t.Parallel()

	c := NewPTSCorrector()
	// Reordered pts repeatedly goes backwards while dts stays monotonic.
	pts := []int64{100, 50, 40, 30}
	dts := []int64{10, 20, 30, 40}
	var got int64
	for i := range pts {
		got = c.Guess(pts[i], dts[i])
	}
	if got != 40 {
		t.Errorf("got %d, want dts 40", got)
	}
	fp, fd := c.Faults()
	if fp != 3 || fd != 0 {
		t.Errorf("faults = (%d, %d), want (3, 0)", fp, fd)
	}
}

func TestPTSCorrectorUndefined(t *testing.T) {
	t.Parallel()

	c := NewPTSCorrector()
	if got := c.Guess(media.NoPTS, 7); got != 7 {
		t.Errorf("missing pts: got %d, want 7", got)
	}
	if got := c.Guess(9, media.NoPTS); got != 9 {
		t.Errorf("missing dts: got %d, want 9", got)
	}
	if got := c.Guess(media.NoPTS, media.NoPTS); got != media.NoPTS {
		t.Errorf("both missing: got %d, want NoPTS", got)
	}
	if got := FrameSeconds(c, media.NoPTS, media.NoPTS, media.Rational{Num: 1, Den: 90000}); got != 0 {
		t.Errorf("FrameSeconds undefined = %v, want 0", got)
	}
	if got := FrameSeconds(NewPTSCorrector(), 90000, media.NoPTS, media.Rational{Num: 1, Den: 90000}); got != 1 {
		t.Errorf("FrameSeconds = %v, want 1", got)
	}
}

func TestVideoClockSync(t *testing.T) {
	t.Parallel()

	var v VideoClock
	if got := v.Sync(1.0, 0.04, 0); got != 1.0 {
		t.Errorf("defined pts: got %v, want 1", got)
	}
	if !near(v.Next(), 1.04) {
		t.Errorf("Next = %v, want 1.04", v.Next())
	}
	if got := v.Sync(0, 0.04, 0); !near(got, 1.04) {
		t.Errorf("undefined pts: got %v, want 1.04", got)
	}
	v.Sync(0, 0.04, 1)
	if !near(v.Next(), 1.04+0.04+0.06) {
		t.Errorf("repeat pict Next = %v, want 1.14", v.Next())
	}
}

func TestPacerDelayFallbacks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		lastPTS float64
		pts     float64
		want    float64
	}{
		{"normal", 1.00, 1.04, 0.04},
		{"zero delay", 1.00, 1.00, DefaultFrameDelay},
		{"backwards", 1.00, 0.50, DefaultFrameDelay},
		{"too large", 1.00, 2.50, DefaultFrameDelay},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := NewPacer(0)
			p.lastPTS = tt.lastPTS
			d := p.Next(tt.pts, 0, false, 0)
			if !near(d.Delay, tt.want) {
				t.Errorf("delay = %v, want %v", d.Delay, tt.want)
			}
			if !near(p.LastDelay(), tt.want) {
				t.Errorf("LastDelay = %v, want %v", p.LastDelay(), tt.want)
			}
		})
	}
}

func TestPacerSyncAdjustments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		master float64
		want   float64
	}{
		{"in sync", 1.04, 0.04},
		{"video behind", 1.10, 0},
		{"video ahead", 0.99, 0.08},
		{"beyond no-sync", 3.0, 0.04},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := NewPacer(0)
			p.lastPTS = 1.00
			d := p.Next(1.04, tt.master, true, 0)
			if !near(d.Delay, tt.want) {
				t.Errorf("delay = %v, want %v", d.Delay, tt.want)
			}
			// The uncorrected period is what later frames fall back to.
			if !near(p.LastDelay(), 0.04) {
				t.Errorf("LastDelay = %v, want 0.04", p.LastDelay())
			}
		})
	}
}

// Video starts 200ms behind an audio master that follows wall time. The
// pacer shows pictures immediately until the gap is within one frame, then
// settles on the nominal period.
func TestPacerCatchesUpWithMaster(t *testing.T) {
	t.Parallel()

	const period = 0.04
	p := NewPacer(0)
	now := 0.0
	offset := period + 0.2
	for i := 1; i <= 40; i++ {
		pts := float64(i) * period
		d := p.Next(pts, now+offset, true, now)
		switch {
		case i <= 6:
			if d.Delay != 0 {
				t.Fatalf("frame %d: delay = %v, want 0 while catching up (diff %v)", i, d.Delay, d.Diff)
			}
		case i >= 12:
			if !near(d.Delay, period) {
				t.Errorf("frame %d: delay = %v, want %v", i, d.Delay, period)
			}
			if math.Abs(d.Diff) >= SyncThreshold {
				t.Errorf("frame %d: diff = %v, want under %v", i, d.Diff, SyncThreshold)
			}
		}
		now += d.Wait.Seconds()
	}
}

func TestPacerWaitFloorAndAccumulation(t *testing.T) {
	t.Parallel()

	p := NewPacer(100)
	p.lastPTS = 1.0
	d := p.Next(1.04, 0, false, 100)
	if !near(p.FrameTimer(), 100.04) {
		t.Errorf("frame timer = %v, want 100.04", p.FrameTimer())
	}
	if d.Wait != 40*time.Millisecond {
		t.Errorf("wait = %v, want 40ms", d.Wait)
	}

	// Running late: wait is clamped to the floor.
	d = p.Next(1.08, 0, false, 105)
	if d.Wait != MinRefreshDelay {
		t.Errorf("late wait = %v, want %v", d.Wait, MinRefreshDelay)
	}

	p.Shift(2)
	if !near(p.FrameTimer(), 102.08) {
		t.Errorf("shifted frame timer = %v, want 102.08", p.FrameTimer())
	}
}

func TestDriftCoefficient(t *testing.T) {
	t.Parallel()

	d := NewDriftCorrector(DriftConfig{})
	want := math.Exp(math.Log(0.01) / AudioDiffAvgNB)
	if !near(d.Coef(), want) {
		t.Errorf("coef = %v, want %v", d.Coef(), want)
	}
	if math.Abs(math.Pow(d.Coef(), AudioDiffAvgNB)-0.01) > 1e-12 {
		t.Error("coef^N should equal 0.01")
	}
}

func frames(n, frameBytes int) []byte {
	b := make([]byte, n*frameBytes)
	for i := range b {
		b[i] = byte(i / frameBytes)
	}
	return b
}

func warm(d *DriftCorrector, diff float64) {
	for i := 0; i < AudioDiffAvgNB; i++ {
		d.Correct(frames(10, 4), diff, 48000, 4)
	}
}

func TestDriftNoCorrectionDuringWarmup(t *testing.T) {
	t.Parallel()

	d := NewDriftCorrector(DriftConfig{Threshold: 0.001})
	for i := 0; i < AudioDiffAvgNB; i++ {
		in := frames(100, 4)
		if out := d.Correct(in, 0.5, 48000, 4); len(out) != len(in) {
			t.Fatalf("call %d: len = %d, want %d", i, len(out), len(in))
		}
	}
}

func TestDriftShrinkClampedToTenPercent(t *testing.T) {
	t.Parallel()

	d := NewDriftCorrector(DriftConfig{Threshold: 0.001})
	warm(d, -0.5)
	in := frames(100, 4)
	out := d.Correct(in, -0.5, 48000, 4)
	if len(out) != 360 {
		t.Errorf("len = %d, want 360", len(out))
	}
	if !bytes.Equal(out, in[:360]) {
		t.Error("shrink should truncate the tail")
	}
}

func TestDriftClampWithUnalignedBounds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		frames     int
		frameBytes int
		diff       float64
		want       int
	}{
		{"shrink 101 stereo s16", 101, 4, -0.5, 364},
		{"grow 101 stereo s16", 101, 4, 0.5, 444},
		{"shrink 103 stereo s16", 103, 4, -0.5, 372},
		{"grow 103 stereo s16", 103, 4, 0.5, 452},
		{"shrink 101 three channels", 101, 6, -0.5, 546},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := NewDriftCorrector(DriftConfig{Threshold: 0.001})
			warm(d, tt.diff)
			in := frames(tt.frames, tt.frameBytes)
			out := d.Correct(in, tt.diff, 48000, tt.frameBytes)
			if len(out) != tt.want {
				t.Errorf("len = %d, want %d", len(out), tt.want)
			}
			size := float64(len(in))
			if l := float64(len(out)); l < size*0.9 || l > size*1.1 {
				t.Errorf("len %d outside [%v, %v]", len(out), size*0.9, size*1.1)
			}
			if len(out)%tt.frameBytes != 0 {
				t.Errorf("len %d is not frame aligned", len(out))
			}
		})
	}
}

func TestDriftGrowRepeatsLastFrame(t *testing.T) {
	t.Parallel()

	d := NewDriftCorrector(DriftConfig{Threshold: 0.001})
	warm(d, 0.5)
	in := frames(100, 4)
	out := d.Correct(in, 0.5, 48000, 4)
	if len(out) != 440 {
		t.Fatalf("len = %d, want 440", len(out))
	}
	if !bytes.Equal(out[:400], in) {
		t.Error("original samples must be kept")
	}
	last := in[396:400]
	for off := 400; off < 440; off += 4 {
		if !bytes.Equal(out[off:off+4], last) {
			t.Fatalf("padding at %d = %v, want %v", off, out[off:off+4], last)
		}
	}
}

func TestDriftSmallCorrectionIsFrameAligned(t *testing.T) {
	t.Parallel()

	d := NewDriftCorrector(DriftConfig{Threshold: 0.00001})
	warm(d, 0.0001)
	in := frames(1000, 4)
	// 0.0001s at 48kHz is 4.8 sample frames, truncated to 4.
	out := d.Correct(in, 0.0001, 48000, 4)
	if len(out) != 4016 {
		t.Errorf("len = %d, want 4016", len(out))
	}
	if len(out)%4 != 0 {
		t.Errorf("len %d is not frame aligned", len(out))
	}
}

func TestDriftBelowThresholdUnchanged(t *testing.T) {
	t.Parallel()

	d := NewDriftCorrector(DriftConfig{Threshold: 1})
	warm(d, 0.05)
	in := frames(100, 4)
	if out := d.Correct(in, 0.05, 48000, 4); len(out) != 400 {
		t.Errorf("len = %d, want 400", len(out))
	}
}

func TestDriftLargePositiveResets(t *testing.T) {
	t.Parallel()

	d := NewDriftCorrector(DriftConfig{Threshold: 0.001})
	warm(d, 0.5)
	in := frames(100, 4)
	if out := d.Correct(in, 2.0, 48000, 4); len(out) != 400 {
		t.Errorf("len = %d, want 400", len(out))
	}
	if d.Average() != 0 {
		t.Errorf("average after reset = %v, want 0", d.Average())
	}
	// Warm-up restarts.
	if out := d.Correct(in, 0.5, 48000, 4); len(out) != 400 {
		t.Errorf("len after reset = %d, want 400", len(out))
	}
}

// The no-sync test compares the signed drift, so audio that is far behind
// the master keeps accumulating and is still corrected (within the clamp)
// instead of being left alone.
func TestDriftLargeNegativeStillCorrected(t *testing.T) {
	t.Parallel()

	d := NewDriftCorrector(DriftConfig{Threshold: 0.001})
	warm(d, -3.0)
	if d.Average() >= 0 {
		t.Fatalf("average = %v, want negative", d.Average())
	}
	in := frames(100, 4)
	if out := d.Correct(in, -3.0, 48000, 4); len(out) != 360 {
		t.Errorf("len = %d, want 360", len(out))
	}
}
