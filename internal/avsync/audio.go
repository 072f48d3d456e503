package avsync

import "math"

// DriftCorrector shrinks or stretches blocks of interleaved PCM so the
// audio clock converges on the master clock. The drift is smoothed with an
// exponentially weighted sum; a correction is applied only once enough
// samples have been seen and the average exceeds the threshold.
type DriftCorrector struct {
	coef       float64
	cum        float64
	count      int
	avgNB      int
	threshold  float64
	maxPercent int
}

// DriftConfig tunes a DriftCorrector. Zero fields take the package
// defaults.
type DriftConfig struct {
	// Threshold is the averaged drift (seconds) that triggers correction.
	Threshold float64
	// AvgNB is the number of samples averaged before correcting.
	AvgNB int
	// MaxPercent bounds the size change of one block.
	MaxPercent int
}

// NewDriftCorrector returns a corrector with an empty history.
func NewDriftCorrector(cfg DriftConfig) *DriftCorrector {
	if cfg.AvgNB <= 0 {
		cfg.AvgNB = AudioDiffAvgNB
	}
	if cfg.MaxPercent <= 0 {
		cfg.MaxPercent = SampleCorrectionPercentMax
	}
	return &DriftCorrector{
		coef:       math.Exp(math.Log(0.01) / float64(cfg.AvgNB)),
		avgNB:      cfg.AvgNB,
		threshold:  cfg.Threshold,
		maxPercent: cfg.MaxPercent,
	}
}

// Coef returns the smoothing coefficient.
func (d *DriftCorrector) Coef() float64 {
	return d.coef
}

// Average returns the current smoothed drift estimate.
func (d *DriftCorrector) Average() float64 {
	return d.cum * (1 - d.coef)
}

// Reset clears the accumulated history.
func (d *DriftCorrector) Reset() {
	d.cum = 0
	d.count = 0
}

// Correct adjusts samples for a drift of diff seconds (audio clock minus
// master clock) and returns the block to play. Growth repeats the last
// sample frame; shrinking truncates. The result length is always a whole
// number of frames of frameBytes.
//
// The no-sync test is a signed comparison: a large negative drift is still
// accumulated, only a large positive one resets the history.
func (d *DriftCorrector) Correct(samples []byte, diff float64, sampleRate, frameBytes int) []byte {
	if diff >= NoSyncThreshold {
		d.Reset()
		return samples
	}

	d.cum = diff + d.coef*d.cum
	if d.count < d.avgNB {
		d.count++
		return samples
	}
	if math.Abs(d.Average()) < d.threshold {
		return samples
	}

	size := len(samples)
	if frameBytes <= 0 || size < frameBytes {
		return samples
	}

	wanted := size + int(diff*float64(sampleRate))*frameBytes
	// Round the bounds inward so frame alignment cannot cross them.
	minSize := (size*(100-d.maxPercent) + 99) / 100
	maxSize := size * (100 + d.maxPercent) / 100
	wanted = min(max(wanted, minSize), maxSize)
	if wanted < size {
		wanted = min(wanted+(frameBytes-wanted%frameBytes)%frameBytes, size)
	} else {
		wanted = max(wanted-wanted%frameBytes, size)
	}

	switch {
	case wanted < size:
		return samples[:wanted]
	case wanted > size:
		last := samples[size-frameBytes : size]
		out := samples[:size:size]
		for len(out) < wanted {
			out = append(out, last...)
		}
		return out
	}
	return samples
}
