package player

import (
	"math"
	"sync/atomic"
)

// stats is updated lock-free from every stage.
type stats struct {
	packetsRead      atomic.Int64
	videoPackets     atomic.Int64
	audioPackets     atomic.Int64
	discardedPackets atomic.Int64
	backpressure     atomic.Int64
	noData           atomic.Int64

	videoFrames     atomic.Int64
	framesPresented atomic.Int64
	framesLate      atomic.Int64
	framesHeld      atomic.Int64
	presentErrors   atomic.Int64

	audioFrames      atomic.Int64
	audioCorrections atomic.Int64
	silenceBytes     atomic.Int64

	decodeErrors  atomic.Int64
	seeks         atomic.Int64
	seekFailures  atomic.Int64
	notifyDropped atomic.Int64

	lastDiff  atomic.Uint64 // float64 bits
	lastDelay atomic.Uint64 // float64 bits
}

func storeFloat(v *atomic.Uint64, f float64) { v.Store(math.Float64bits(f)) }
func loadFloat(v *atomic.Uint64) float64     { return math.Float64frombits(v.Load()) }

// Snapshot is a point-in-time view of a session, suitable for JSON.
type Snapshot struct {
	ID        string  `json:"id"`
	URL       string  `json:"url"`
	Tag       string  `json:"tag,omitempty"`
	State     State   `json:"state"`
	Sync      string  `json:"sync"`
	UptimeMs  int64   `json:"uptimeMs"`
	Position  float64 `json:"position"`
	AudioTime float64 `json:"audioClock"`
	VideoTime float64 `json:"videoClock"`

	VideoQueueBytes int `json:"videoQueueBytes"`
	AudioQueueBytes int `json:"audioQueueBytes"`
	PictureQueueLen int `json:"pictureQueueLen"`

	PacketsRead      int64 `json:"packetsRead"`
	VideoPackets     int64 `json:"videoPackets"`
	AudioPackets     int64 `json:"audioPackets"`
	DiscardedPackets int64 `json:"discardedPackets"`
	BackpressureWait int64 `json:"backpressureWaits"`
	NoDataWaits      int64 `json:"noDataWaits"`

	VideoFrames     int64 `json:"videoFrames"`
	FramesPresented int64 `json:"framesPresented"`
	FramesLate      int64 `json:"framesLate"`
	FramesHeld      int64 `json:"framesHeld"`
	PresentErrors   int64 `json:"presentErrors"`

	AudioFrames      int64 `json:"audioFrames"`
	AudioCorrections int64 `json:"audioCorrections"`
	SilenceBytes     int64 `json:"silenceBytes"`

	DecodeErrors  int64 `json:"decodeErrors"`
	Seeks         int64 `json:"seeks"`
	SeekFailures  int64 `json:"seekFailures"`
	NotifyDropped int64 `json:"notifyDropped"`

	LastSyncDiff   float64 `json:"lastSyncDiff"`
	LastFrameDelay float64 `json:"lastFrameDelay"`
}

// Stats returns a snapshot of the session's counters and clocks.
func (s *Session) Stats() Snapshot {
	snap := Snapshot{
		ID:    s.id,
		URL:   s.url,
		Tag:   s.tag,
		State: s.State(),

		PacketsRead:      s.stats.packetsRead.Load(),
		VideoPackets:     s.stats.videoPackets.Load(),
		AudioPackets:     s.stats.audioPackets.Load(),
		DiscardedPackets: s.stats.discardedPackets.Load(),
		BackpressureWait: s.stats.backpressure.Load(),
		NoDataWaits:      s.stats.noData.Load(),

		VideoFrames:     s.stats.videoFrames.Load(),
		FramesPresented: s.stats.framesPresented.Load(),
		FramesLate:      s.stats.framesLate.Load(),
		FramesHeld:      s.stats.framesHeld.Load(),
		PresentErrors:   s.stats.presentErrors.Load(),

		AudioFrames:      s.stats.audioFrames.Load(),
		AudioCorrections: s.stats.audioCorrections.Load(),
		SilenceBytes:     s.stats.silenceBytes.Load(),

		DecodeErrors:  s.stats.decodeErrors.Load(),
		Seeks:         s.stats.seeks.Load(),
		SeekFailures:  s.stats.seekFailures.Load(),
		NotifyDropped: s.stats.notifyDropped.Load(),

		LastSyncDiff:   loadFloat(&s.stats.lastDiff),
		LastFrameDelay: loadFloat(&s.stats.lastDelay),
	}

	if c := s.clock; c != nil {
		snap.Sync = c.Sync().String()
		snap.UptimeMs = c.Elapsed().Milliseconds()
		snap.Position = c.Master()
		snap.AudioTime = c.Audio()
		snap.VideoTime = c.Video()
	}
	if s.video != nil {
		snap.VideoQueueBytes = s.video.queue.Bytes()
	}
	if s.audio != nil {
		snap.AudioQueueBytes = s.audio.queue.Bytes()
	}
	if s.pictq != nil {
		snap.PictureQueueLen = s.pictq.Len()
	}
	return snap
}
