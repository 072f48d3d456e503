package player

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the stats of every managed session as Prometheus
// metrics labelled by session id.
type Collector struct {
	m *Manager

	state       *prometheus.Desc
	position    *prometheus.Desc
	syncDiff    *prometheus.Desc
	frameDelay  *prometheus.Desc
	queueBytes  *prometheus.Desc
	packets     *prometheus.Desc
	frames      *prometheus.Desc
	corrections *prometheus.Desc
	silence     *prometheus.Desc
	errors      *prometheus.Desc
	seeks       *prometheus.Desc
}

// NewCollector returns a collector over m's sessions.
func NewCollector(m *Manager) *Collector {
	labels := []string{"session"}
	return &Collector{
		m: m,
		state: prometheus.NewDesc("avplay_session_state",
			"Current playback state, one series per state set to 1.",
			[]string{"session", "state"}, nil),
		position: prometheus.NewDesc("avplay_position_seconds",
			"Master clock position.", labels, nil),
		syncDiff: prometheus.NewDesc("avplay_video_sync_diff_seconds",
			"Last video minus master clock difference.", labels, nil),
		frameDelay: prometheus.NewDesc("avplay_video_frame_delay_seconds",
			"Last scheduled frame delay.", labels, nil),
		queueBytes: prometheus.NewDesc("avplay_queue_bytes",
			"Bytes held by a packet queue.", []string{"session", "stream"}, nil),
		packets: prometheus.NewDesc("avplay_packets_total",
			"Packets read from the source.", []string{"session", "stream"}, nil),
		frames: prometheus.NewDesc("avplay_video_frames_total",
			"Video frames by outcome.", []string{"session", "outcome"}, nil),
		corrections: prometheus.NewDesc("avplay_audio_corrections_total",
			"Audio blocks resized to follow the master clock.", labels, nil),
		silence: prometheus.NewDesc("avplay_audio_silence_bytes_total",
			"Silence bytes written to the audio device.", labels, nil),
		errors: prometheus.NewDesc("avplay_errors_total",
			"Errors by kind.", []string{"session", "kind"}, nil),
		seeks: prometheus.NewDesc("avplay_seeks_total",
			"Seeks performed.", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.state, c.position, c.syncDiff, c.frameDelay, c.queueBytes, c.packets,
		c.frames, c.corrections, c.silence, c.errors, c.seeks,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	gauge := prometheus.GaugeValue
	counter := prometheus.CounterValue

	for _, s := range c.m.Snapshots() {
		id := s.ID
		ch <- prometheus.MustNewConstMetric(c.state, gauge, 1, id, s.State.String())
		ch <- prometheus.MustNewConstMetric(c.position, gauge, s.Position, id)
		ch <- prometheus.MustNewConstMetric(c.syncDiff, gauge, s.LastSyncDiff, id)
		ch <- prometheus.MustNewConstMetric(c.frameDelay, gauge, s.LastFrameDelay, id)

		ch <- prometheus.MustNewConstMetric(c.queueBytes, gauge, float64(s.VideoQueueBytes), id, "video")
		ch <- prometheus.MustNewConstMetric(c.queueBytes, gauge, float64(s.AudioQueueBytes), id, "audio")
		ch <- prometheus.MustNewConstMetric(c.packets, counter, float64(s.VideoPackets), id, "video")
		ch <- prometheus.MustNewConstMetric(c.packets, counter, float64(s.AudioPackets), id, "audio")
		ch <- prometheus.MustNewConstMetric(c.packets, counter, float64(s.DiscardedPackets), id, "other")

		ch <- prometheus.MustNewConstMetric(c.frames, counter, float64(s.FramesPresented), id, "presented")
		ch <- prometheus.MustNewConstMetric(c.frames, counter, float64(s.FramesLate), id, "late")
		ch <- prometheus.MustNewConstMetric(c.frames, counter, float64(s.FramesHeld), id, "held")

		ch <- prometheus.MustNewConstMetric(c.corrections, counter, float64(s.AudioCorrections), id)
		ch <- prometheus.MustNewConstMetric(c.silence, counter, float64(s.SilenceBytes), id)

		ch <- prometheus.MustNewConstMetric(c.errors, counter, float64(s.DecodeErrors), id, "decode")
		ch <- prometheus.MustNewConstMetric(c.errors, counter, float64(s.PresentErrors), id, "present")
		ch <- prometheus.MustNewConstMetric(c.errors, counter, float64(s.SeekFailures), id, "seek")
		ch <- prometheus.MustNewConstMetric(c.seeks, counter, float64(s.Seeks), id)
	}
}
