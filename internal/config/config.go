// Package config loads avplay settings from an optional YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/avplay/internal/clock"
)

// Config holds all avplay settings.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// MetricsAddr serves /metrics and /api/sessions when non-empty.
	MetricsAddr string `yaml:"metrics_addr"`

	// TLSHosts, when non-empty, serves the API over HTTPS with a
	// self-signed certificate naming these hosts. Use "localhost" for a
	// loopback-only certificate.
	TLSHosts []string `yaml:"tls_hosts"`

	Player PlayerConfig `yaml:"player"`
	Audio  AudioConfig  `yaml:"audio"`
	SRT    SRTConfig    `yaml:"srt"`
}

// PlayerConfig tunes the playback engine.
type PlayerConfig struct {
	// Sync selects the master clock: audio, video or external.
	Sync string `yaml:"sync"`

	// PictureQueueSize is the number of decoded pictures buffered ahead of
	// display.
	PictureQueueSize int `yaml:"picture_queue_size"`

	// MaxAudioQueueBytes and MaxVideoQueueBytes are the packet queue
	// high-watermarks above which demuxing pauses.
	MaxAudioQueueBytes int `yaml:"max_audio_queue_bytes"`
	MaxVideoQueueBytes int `yaml:"max_video_queue_bytes"`

	// AudioDiffThreshold is the averaged drift in seconds that triggers
	// audio correction. Zero derives it from the audio period.
	AudioDiffThreshold         float64 `yaml:"audio_diff_threshold"`
	AudioDiffAvgNB             int     `yaml:"audio_diff_avg_nb"`
	SampleCorrectionPercentMax int     `yaml:"sample_correction_percent_max"`

	MailboxSize      int           `yaml:"mailbox_size"`
	PositionInterval time.Duration `yaml:"position_interval"`

	// MaxFrames stops playback after this many presented pictures. Zero
	// plays to the end.
	MaxFrames int `yaml:"max_frames"`
}

// AudioConfig describes the output device.
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"` // 0 follows the stream
	Channels   int `yaml:"channels"`    // 0 follows the stream
	Period     int `yaml:"period"`      // sample frames per device pull

	// Device is where PCM is written: empty discards, "-" is stdout,
	// anything else is a file path.
	Device string `yaml:"device"`
	Mute   bool   `yaml:"mute"`
}

// SRTConfig is applied to srt:// sources.
type SRTConfig struct {
	Latency  time.Duration `yaml:"latency"`
	StreamID string        `yaml:"stream_id"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Player: PlayerConfig{
			Sync:                       clock.DefaultSync.String(),
			PictureQueueSize:           1,
			MaxAudioQueueBytes:         5 * 16 * 1024,
			MaxVideoQueueBytes:         5 * 256 * 1024,
			AudioDiffAvgNB:             20,
			SampleCorrectionPercentMax: 10,
			MailboxSize:                6,
			PositionInterval:           time.Second,
		},
		Audio: AudioConfig{
			Period: 1024,
		},
		SRT: SRTConfig{
			Latency: 120 * time.Millisecond,
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies
// environment overrides and validates the result.
//
// Environment variables:
//   - AVPLAY_LOG_LEVEL
//   - AVPLAY_METRICS_ADDR
//   - AVPLAY_TLS_HOSTS (comma separated)
//   - AVPLAY_SYNC
//   - AVPLAY_PICTURE_QUEUE_SIZE
//   - AVPLAY_MAX_FRAMES
//   - AVPLAY_AUDIO_DEVICE
//   - AVPLAY_AUDIO_MUTE
//   - AVPLAY_SRT_LATENCY
//   - AVPLAY_SRT_STREAM_ID
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("AVPLAY_LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(strings.TrimSpace(v))
	}
	if v := getenv("AVPLAY_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := getenv("AVPLAY_TLS_HOSTS"); v != "" {
		c.TLSHosts = splitList(v)
	}
	if v := getenv("AVPLAY_SYNC"); v != "" {
		c.Player.Sync = v
	}
	if v := getenv("AVPLAY_PICTURE_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.New("AVPLAY_PICTURE_QUEUE_SIZE must be a valid integer")
		}
		c.Player.PictureQueueSize = n
	}
	if v := getenv("AVPLAY_MAX_FRAMES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.New("AVPLAY_MAX_FRAMES must be a valid integer")
		}
		c.Player.MaxFrames = n
	}
	if v := getenv("AVPLAY_AUDIO_DEVICE"); v != "" {
		c.Audio.Device = v
	}
	if v := getenv("AVPLAY_AUDIO_MUTE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.New("AVPLAY_AUDIO_MUTE must be true or false")
		}
		c.Audio.Mute = b
	}
	if v := getenv("AVPLAY_SRT_LATENCY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.New("AVPLAY_SRT_LATENCY must be a duration such as 120ms")
		}
		c.SRT.Latency = d
	}
	if v := getenv("AVPLAY_SRT_STREAM_ID"); v != "" {
		c.SRT.StreamID = v
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	if _, err := clock.ParseSyncType(c.Player.Sync); err != nil {
		return fmt.Errorf("player.sync: %w", err)
	}
	if c.Player.PictureQueueSize < 1 {
		return errors.New("player.picture_queue_size must be at least 1")
	}
	if c.Player.MaxAudioQueueBytes <= 0 || c.Player.MaxVideoQueueBytes <= 0 {
		return errors.New("player queue byte caps must be positive")
	}
	if c.Player.AudioDiffThreshold < 0 {
		return errors.New("player.audio_diff_threshold must not be negative")
	}
	if c.Player.AudioDiffAvgNB < 1 {
		return errors.New("player.audio_diff_avg_nb must be at least 1")
	}
	if p := c.Player.SampleCorrectionPercentMax; p < 1 || p > 50 {
		return fmt.Errorf("player.sample_correction_percent_max must be in [1, 50], got %d", p)
	}
	if c.Player.MailboxSize < 1 {
		return errors.New("player.mailbox_size must be at least 1")
	}
	if c.Player.PositionInterval < 0 {
		return errors.New("player.position_interval must not be negative")
	}
	if c.Player.MaxFrames < 0 {
		return errors.New("player.max_frames must not be negative")
	}
	if c.Audio.Period < 1 {
		return errors.New("audio.period must be at least 1")
	}
	if c.Audio.SampleRate < 0 || c.Audio.Channels < 0 {
		return errors.New("audio sample_rate and channels must not be negative")
	}
	return nil
}

// SyncType returns the parsed master clock policy.
func (c *Config) SyncType() clock.SyncType {
	s, _ := clock.ParseSyncType(c.Player.Sync)
	return s
}
