package avsync

import "github.com/zsiec/avplay/internal/media"

// PTSCorrector picks the best timestamp for a decoded frame. It counts how
// often the reordered pts and the packet dts each went backwards and
// trusts whichever has been monotonic more often.
type PTSCorrector struct {
	faultyPTS int64
	faultyDTS int64
	lastPTS   int64
	lastDTS   int64
}

// NewPTSCorrector returns a corrector with no history.
func NewPTSCorrector() *PTSCorrector {
	c := &PTSCorrector{}
	c.Reset()
	return c
}

// Reset forgets all history, as after a decoder flush.
func (c *PTSCorrector) Reset() {
	c.faultyPTS, c.faultyDTS = 0, 0
	c.lastPTS, c.lastDTS = media.NoPTS, media.NoPTS
}

// Guess returns reordered or dts. The result is media.NoPTS only when both
// inputs are undefined.
func (c *PTSCorrector) Guess(reordered, dts int64) int64 {
	if dts != media.NoPTS {
		if dts <= c.lastDTS {
			c.faultyDTS++
		}
		c.lastDTS = dts
	} else if reordered != media.NoPTS {
		c.lastDTS = reordered
	}

	if reordered != media.NoPTS {
		if reordered <= c.lastPTS {
			c.faultyPTS++
		}
		c.lastPTS = reordered
	} else if dts != media.NoPTS {
		c.lastPTS = dts
	}

	if (c.faultyPTS <= c.faultyDTS || dts == media.NoPTS) && reordered != media.NoPTS {
		return reordered
	}
	return dts
}

// Faults returns the backward-step counts for pts and dts.
func (c *PTSCorrector) Faults() (pts, dts int64) {
	return c.faultyPTS, c.faultyDTS
}

// FrameSeconds resolves a decoded frame's timestamp in seconds: the
// corrected tick count (0 when undefined) scaled by the stream time base.
func FrameSeconds(c *PTSCorrector, reordered, dts int64, tb media.Rational) float64 {
	ts := c.Guess(reordered, dts)
	if ts == media.NoPTS {
		ts = 0
	}
	return float64(ts) * tb.Float()
}
