// Package clock models the three playback clocks (audio, video and
// external wall time) and the master clock policy a session syncs to.
package clock

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// SyncType selects the master clock.
type SyncType int

const (
	SyncAudio SyncType = iota
	SyncVideo
	SyncExternal
)

// DefaultSync is the master clock used when none is configured.
const DefaultSync = SyncAudio

func (s SyncType) String() string {
	switch s {
	case SyncAudio:
		return "audio"
	case SyncVideo:
		return "video"
	case SyncExternal:
		return "external"
	default:
		return fmt.Sprintf("SyncType(%d)", int(s))
	}
}

// ParseSyncType parses "audio", "video" or "external".
func ParseSyncType(s string) (SyncType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "audio", "":
		return SyncAudio, nil
	case "video":
		return SyncVideo, nil
	case "external", "ext":
		return SyncExternal, nil
	default:
		return 0, fmt.Errorf("unknown sync type %q", s)
	}
}

// Option configures a Clock.
type Option func(*Clock)

// WithNow replaces the wall clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) {
		c.now = now
	}
}

// Clock holds the timing state shared by the playback stages. All values
// are in seconds. The master policy is fixed at construction.
type Clock struct {
	mu   sync.Mutex
	now  func() time.Time
	sync SyncType

	start       time.Time
	paused      bool
	pausedAt    time.Time
	pausedTotal time.Duration

	audioPTS     float64
	audioPending int
	audioBPS     int

	videoPTS   float64
	videoSetAt time.Time
}

// New creates a clock whose external time starts now.
func New(sync SyncType, opts ...Option) *Clock {
	c := &Clock{sync: sync, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.start = c.now()
	return c
}

// Sync returns the master policy.
func (c *Clock) Sync() SyncType {
	return c.sync
}

// SetAudio records the timestamp just past the last decoded sample and the
// number of decoded bytes the device has not played yet.
func (c *Clock) SetAudio(pts float64, pendingBytes, bytesPerSec int) {
	c.mu.Lock()
	c.audioPTS = pts
	c.audioPending = pendingBytes
	c.audioBPS = bytesPerSec
	c.mu.Unlock()
}

// Audio returns the timestamp of the sample currently being played.
func (c *Clock) Audio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioLocked()
}

func (c *Clock) audioLocked() float64 {
	pts := c.audioPTS
	if c.audioBPS > 0 {
		pts -= float64(c.audioPending) / float64(c.audioBPS)
	}
	return pts
}

// SetVideo records the timestamp of the picture just presented.
func (c *Clock) SetVideo(pts float64) {
	c.mu.Lock()
	c.videoPTS = pts
	c.videoSetAt = c.nowLocked()
	c.mu.Unlock()
}

// Video returns the last presented timestamp advanced by the wall time
// elapsed since it was presented.
func (c *Clock) Video() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoLocked()
}

func (c *Clock) videoLocked() float64 {
	if c.videoSetAt.IsZero() {
		return c.videoPTS
	}
	return c.videoPTS + c.nowLocked().Sub(c.videoSetAt).Seconds()
}

// External returns the playing time elapsed since the clock was created.
func (c *Clock) External() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.externalLocked()
}

func (c *Clock) externalLocked() float64 {
	return (c.nowLocked().Sub(c.start) - c.pausedTotal).Seconds()
}

// Master returns the clock selected by the sync policy.
func (c *Clock) Master() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.sync {
	case SyncVideo:
		return c.videoLocked()
	case SyncExternal:
		return c.externalLocked()
	default:
		return c.audioLocked()
	}
}

// nowLocked returns wall time frozen at the pause instant while paused.
func (c *Clock) nowLocked() time.Time {
	if c.paused {
		return c.pausedAt
	}
	return c.now()
}

// Pause freezes the video and external clocks.
func (c *Clock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	c.pausedAt = c.now()
	c.paused = true
}

// Resume unfreezes the clocks and returns how long they were paused.
func (c *Clock) Resume() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return 0
	}
	d := c.now().Sub(c.pausedAt)
	c.paused = false
	c.pausedTotal += d
	if !c.videoSetAt.IsZero() {
		c.videoSetAt = c.videoSetAt.Add(d)
	}
	return d
}

// Elapsed returns the wall time since the clock was created, pauses
// included.
func (c *Clock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Sub(c.start)
}
