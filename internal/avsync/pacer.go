package avsync

import (
	"math"
	"time"
)

// Decision is the outcome of one pacing step.
type Decision struct {
	// Delay is the corrected display period of the picture, in seconds.
	Delay float64
	// Diff is pts minus the master clock; zero when video is master.
	Diff float64
	// Wait is how long to sleep before the next pacing step.
	Wait time.Duration
}

// Pacer computes when each picture should be shown. frameTimer is the
// wall-clock instant (seconds) at which the current picture is due.
type Pacer struct {
	frameTimer float64
	lastPTS    float64
	lastDelay  float64
}

// NewPacer starts the frame timer at now (seconds of wall time).
func NewPacer(now float64) *Pacer {
	return &Pacer{frameTimer: now, lastDelay: DefaultFrameDelay}
}

// Next returns the pacing decision for a picture with timestamp pts.
// When syncToMaster is false (video is the master clock) master is ignored.
func (p *Pacer) Next(pts, master float64, syncToMaster bool, now float64) Decision {
	delay := pts - p.lastPTS
	if delay <= 0 || delay >= 1.0 {
		delay = p.lastDelay
	}
	p.lastDelay = delay
	p.lastPTS = pts

	var diff float64
	if syncToMaster {
		diff = pts - master
		threshold := math.Max(delay, SyncThreshold)
		if math.Abs(diff) < NoSyncThreshold {
			if diff <= -threshold {
				delay = 0
			} else if diff >= threshold {
				delay = 2 * delay
			}
		}
	}

	p.frameTimer += delay
	wait := p.frameTimer - now
	if wait < MinRefreshDelay.Seconds() {
		wait = MinRefreshDelay.Seconds()
	}
	return Decision{
		Delay: delay,
		Diff:  diff,
		Wait:  time.Duration(wait*1000+0.5) * time.Millisecond,
	}
}

// Shift moves the frame timer by d seconds, used to skip paused time.
func (p *Pacer) Shift(d float64) {
	p.frameTimer += d
}

// FrameTimer returns the due time of the current picture.
func (p *Pacer) FrameTimer() float64 {
	return p.frameTimer
}

// LastDelay returns the last uncorrected frame period.
func (p *Pacer) LastDelay() float64 {
	return p.lastDelay
}
