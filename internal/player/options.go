package player

import (
	"errors"
	"log/slog"
	"time"

	"github.com/zsiec/avplay/internal/avsync"
	"github.com/zsiec/avplay/internal/clock"
	"github.com/zsiec/avplay/internal/config"
	"github.com/zsiec/avplay/internal/mailbox"
	"github.com/zsiec/avplay/internal/media"
	"github.com/zsiec/avplay/internal/queue"
)

// Default packet queue high-watermarks.
const (
	DefaultMaxAudioQueueBytes = 5 * 16 * 1024
	DefaultMaxVideoQueueBytes = 5 * 256 * 1024

	// DefaultAudioPeriod is the number of sample frames a device pulls at
	// once.
	DefaultAudioPeriod = 1024

	idleSleep    = 10 * time.Millisecond
	pausedRetick = 10 * time.Millisecond
)

// Options tunes a session.
type Options struct {
	Sync             clock.SyncType
	PictureQueueSize int
	PixelFormat      media.PixelFormat

	MaxAudioQueueBytes int
	MaxVideoQueueBytes int

	// AudioDiffThreshold of zero derives the threshold from AudioPeriod.
	AudioDiffThreshold         float64
	AudioDiffAvgNB             int
	SampleCorrectionPercentMax int

	// AudioFormat fields left zero follow the audio stream.
	AudioFormat media.AudioFormat
	AudioPeriod int

	MailboxSize      int
	PositionInterval time.Duration
	MaxFrames        int
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		Sync:                       clock.DefaultSync,
		PictureQueueSize:           queue.DefaultPictureCapacity,
		PixelFormat:                media.PixelRGBA,
		MaxAudioQueueBytes:         DefaultMaxAudioQueueBytes,
		MaxVideoQueueBytes:         DefaultMaxVideoQueueBytes,
		AudioDiffAvgNB:             avsync.AudioDiffAvgNB,
		SampleCorrectionPercentMax: avsync.SampleCorrectionPercentMax,
		AudioPeriod:                DefaultAudioPeriod,
		MailboxSize:                mailbox.DefaultSize,
		PositionInterval:           time.Second,
	}
}

// OptionsFromConfig maps loaded settings onto session options.
func OptionsFromConfig(cfg *config.Config) Options {
	o := DefaultOptions()
	o.Sync = cfg.SyncType()
	o.PictureQueueSize = cfg.Player.PictureQueueSize
	o.MaxAudioQueueBytes = cfg.Player.MaxAudioQueueBytes
	o.MaxVideoQueueBytes = cfg.Player.MaxVideoQueueBytes
	o.AudioDiffThreshold = cfg.Player.AudioDiffThreshold
	o.AudioDiffAvgNB = cfg.Player.AudioDiffAvgNB
	o.SampleCorrectionPercentMax = cfg.Player.SampleCorrectionPercentMax
	o.AudioFormat = media.AudioFormat{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		Format:     media.SampleS16,
	}
	o.AudioPeriod = cfg.Audio.Period
	o.MailboxSize = cfg.Player.MailboxSize
	o.PositionInterval = cfg.Player.PositionInterval
	o.MaxFrames = cfg.Player.MaxFrames
	return o
}

// Deps are the collaborators a session is built from. AudioSink and
// VideoSink are owned by the session and closed on teardown.
type Deps struct {
	Opener    media.Opener
	Codecs    media.Codecs
	Resampler media.Resampler
	Scaler    media.Scaler
	VideoSink media.VideoSink
	AudioSink media.AudioSink
	Log       *slog.Logger
}

func (d Deps) validate() error {
	switch {
	case d.Opener == nil:
		return errors.New("player: nil Opener")
	case d.Codecs == nil:
		return errors.New("player: nil Codecs")
	case d.Resampler == nil:
		return errors.New("player: nil Resampler")
	case d.Scaler == nil:
		return errors.New("player: nil Scaler")
	}
	return nil
}
