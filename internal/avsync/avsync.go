// Package avsync implements the audio/video synchronization arithmetic:
// timestamp correction for decoded video, the video clock that follows
// frame durations, the presentation pacing decision and adaptive audio
// drift correction. Nothing here blocks or owns goroutines; the player
// package drives these types from its stages.
package avsync

import "time"

const (
	// SyncThreshold is the smallest delay adjusted when video is behind
	// or ahead of the master clock, in seconds.
	SyncThreshold = 0.01

	// NoSyncThreshold is the drift above which no correction is attempted,
	// in seconds.
	NoSyncThreshold = 1.0

	// SampleCorrectionPercentMax bounds how much one audio block may be
	// shrunk or stretched.
	SampleCorrectionPercentMax = 10

	// AudioDiffAvgNB is the number of drift samples averaged before audio
	// correction starts.
	AudioDiffAvgNB = 20

	// DefaultFrameDelay is the frame period assumed before two pictures
	// have been shown, in seconds.
	DefaultFrameDelay = 40e-3

	// MinRefreshDelay is the shortest wait between presentations.
	MinRefreshDelay = 10 * time.Millisecond

	// EmptyRefreshDelay is the retry interval when no picture is ready.
	EmptyRefreshDelay = time.Millisecond
)
