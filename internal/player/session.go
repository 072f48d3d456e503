// Package player runs playback sessions: it opens a source, feeds the
// audio and video decode pipelines, keeps them synchronized to the master
// clock and applies control commands (seek, pause, resume, stop) posted
// while a session runs.
package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zsiec/avplay/internal/clock"
	"github.com/zsiec/avplay/internal/mailbox"
	"github.com/zsiec/avplay/internal/media"
	"github.com/zsiec/avplay/internal/queue"
)

var (
	// ErrNoStreams is returned by Start when the source has neither a
	// playable video nor a playable audio stream.
	ErrNoStreams = errors.New("player: no playable audio or video stream")

	// ErrSessionClosed is returned when posting to a stopped session.
	ErrSessionClosed = errors.New("player: session closed")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("player: session already started")
)

// seekRequest is the single pending seek slot. target is in media.TimeBase
// units.
type seekRequest struct {
	pending  bool
	target   int64
	backward bool
}

// Session is one playback of one source. A session is started once and
// cannot be restarted after it stops.
type Session struct {
	id   string
	url  string
	tag  string
	log  *slog.Logger
	opts Options
	deps Deps

	control *mailbox.Mailbox
	notify  *mailbox.Mailbox

	// Set by Start, read-only afterwards.
	src   media.Source
	video *videoStream
	audio *audioStream
	clock *clock.Clock
	quit  *queue.Quit
	pictq *queue.PictureQueue
	epoch time.Time

	mu    sync.Mutex // guards state, seek, eos and cancel
	state State
	seek  seekRequest
	eos   bool

	paused     atomic.Bool
	pausedNano atomic.Int64 // paused wall time not yet applied to the pacer
	videoDone  atomic.Bool
	audioDone  atomic.Bool

	stats       stats
	warnBackoff rate.Sometimes
	warnDecode  rate.Sometimes
	warnPresent rate.Sometimes

	started  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
	err      error
}

// New creates a session for url. An empty id is replaced by a random UUID.
// notify receives state, position and completion notifications; it may be
// nil.
func New(id, url, tag string, deps Deps, opts Options, notify *mailbox.Mailbox) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		id:          id,
		url:         url,
		tag:         tag,
		log:         log.With("component", "player", "session", id),
		opts:        opts,
		deps:        deps,
		control:     mailbox.New(opts.MailboxSize),
		notify:      notify,
		quit:        queue.NewQuit(),
		done:        make(chan struct{}),
		warnBackoff: rate.Sometimes{Interval: time.Second},
		warnDecode:  rate.Sometimes{Interval: time.Second},
		warnPresent: rate.Sometimes{Interval: time.Second},
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// URL returns the source URL.
func (s *Session) URL() string { return s.url }

// Tag returns the client tag.
func (s *Session) Tag() string { return s.tag }

// State returns the current playback state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once every stage has exited and resources are released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session stops and returns its terminal error, if
// any. Reaching the end of the source is not an error.
func (s *Session) Wait() error {
	<-s.done
	return s.err
}

// Start opens the source and decoders and launches the playback stages.
// Errors returned here are fatal for the session.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if err := s.open(ctx); err != nil {
		s.log.Error("session failed to start", "error", err)
		s.closeResources(true)
		s.fail(err)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	s.epoch = time.Now()
	s.setState(StatePlaying)

	if s.audio != nil {
		if err := s.deps.AudioSink.Start(s.audio.pull); err != nil {
			cancel()
			err = fmt.Errorf("starting audio sink: %w", err)
			s.log.Error("session failed to start", "error", err)
			s.quit.Raise()
			s.closeResources(true)
			s.fail(err)
			return err
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		s.watch(gctx)
		return nil
	})
	g.Go(func() error { return s.runDemux(gctx) })
	if s.video != nil {
		g.Go(func() error { return s.video.runDecode(gctx) })
		g.Go(func() error { return s.video.runPacer(gctx) })
	}
	g.Go(func() error { return s.runControl(gctx) })
	if s.opts.PositionInterval > 0 {
		g.Go(func() error { return s.runPositionReports(gctx) })
	}

	go func() {
		err := g.Wait()
		cancel()
		s.closeResources(false)
		s.finish(err)
	}()

	s.log.Info("session started",
		"url", s.url,
		"sync", s.clock.Sync(),
		"video", s.video != nil,
		"audio", s.audio != nil,
	)
	return nil
}

// open resolves the source, selects streams and opens decoders.
func (s *Session) open(ctx context.Context) error {
	if err := s.deps.validate(); err != nil {
		return err
	}

	src, err := s.deps.Opener.Open(ctx, s.url)
	if err != nil {
		return fmt.Errorf("opening %s: %w", s.url, err)
	}
	s.src = src

	vinfo, ainfo := pickStreams(src.Streams())
	if vinfo != nil && s.deps.VideoSink == nil {
		s.log.Warn("no video sink, ignoring video stream", "stream", vinfo.Index)
		vinfo = nil
	}
	if ainfo != nil && s.deps.AudioSink == nil {
		s.log.Warn("no audio sink, ignoring audio stream", "stream", ainfo.Index)
		ainfo = nil
	}
	if vinfo == nil && ainfo == nil {
		return ErrNoStreams
	}

	s.clock = clock.New(s.resolveSync(vinfo != nil, ainfo != nil))
	s.videoDone.Store(vinfo == nil)
	s.audioDone.Store(ainfo == nil)

	if vinfo != nil {
		dec, err := s.deps.Codecs.OpenVideo(*vinfo)
		if err != nil {
			return fmt.Errorf("opening video decoder for %s: %w", vinfo.Codec, err)
		}
		s.pictq = queue.NewPictureQueue(s.opts.PictureQueueSize, s.opts.PixelFormat, s.deps.Scaler, s.quit)
		s.video = newVideoStream(s, *vinfo, dec)
	}

	if ainfo != nil {
		dec, err := s.deps.Codecs.OpenAudio(*ainfo)
		if err != nil {
			return fmt.Errorf("opening audio decoder for %s: %w", ainfo.Codec, err)
		}
		want := s.opts.AudioFormat
		if want.SampleRate == 0 {
			want.SampleRate = ainfo.SampleRate
		}
		if want.Channels == 0 {
			want.Channels = ainfo.Channels
		}
		got, err := s.deps.AudioSink.Configure(want)
		if err != nil {
			dec.Close()
			return fmt.Errorf("configuring audio sink: %w", err)
		}
		s.audio = newAudioStream(s, *ainfo, dec, got)
	}
	return nil
}

// pickStreams returns the first video and first audio stream.
func pickStreams(streams []media.StreamInfo) (video, audio *media.StreamInfo) {
	for i := range streams {
		switch streams[i].Type {
		case media.MediaVideo:
			if video == nil {
				video = &streams[i]
			}
		case media.MediaAudio:
			if audio == nil {
				audio = &streams[i]
			}
		}
	}
	return video, audio
}

// resolveSync fixes the master clock for the session lifetime. A master
// whose stream is missing falls back to the external clock.
func (s *Session) resolveSync(hasVideo, hasAudio bool) clock.SyncType {
	want := s.opts.Sync
	switch {
	case want == clock.SyncAudio && !hasAudio,
		want == clock.SyncVideo && !hasVideo:
		s.log.Info("master clock stream missing, using external clock", "requested", want)
		return clock.SyncExternal
	}
	return want
}

// watch ties quit and the stage context together: cancellation raises quit
// so that stages blocked on queue condition variables wake up, and quit
// cancels the context so that a source blocked in a read is released.
func (s *Session) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.quit.Raise()
	case <-s.quit.Done():
		s.cancelStages()
	}
}

// markDone records that one pipeline has drained. When both have, the
// session quits.
func (s *Session) markDone(flag *atomic.Bool, pipeline string) {
	if flag.Swap(true) {
		return
	}
	s.log.Debug("pipeline drained", "pipeline", pipeline)
	if s.videoDone.Load() && s.audioDone.Load() {
		s.log.Info("playback complete")
		s.quit.Raise()
	}
}

// since returns the session wall time in seconds, the time base the pacer
// works in.
func (s *Session) since() float64 {
	return time.Since(s.epoch).Seconds()
}

// closeResources releases decoders and sinks. The session owns both sinks
// whether or not their stream was found. The source is released by the
// demux stage once quit is raised, or here when that stage never ran.
func (s *Session) closeResources(closeSource bool) {
	if s.deps.AudioSink != nil {
		if err := s.deps.AudioSink.Close(); err != nil {
			s.log.Warn("closing audio sink", "error", err)
		}
	}
	if s.audio != nil {
		s.audio.dec.Close()
	}
	if s.video != nil {
		s.video.dec.Close()
	}
	if c, ok := s.deps.VideoSink.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.log.Warn("closing video sink", "error", err)
		}
	}
	if closeSource && s.src != nil {
		s.src.Close()
	}
}

func (s *Session) fail(err error) {
	s.notifyPost(mailbox.Message{Kind: mailbox.Fatal, Err: err})
	s.finish(err)
}

func (s *Session) finish(err error) {
	s.doneOnce.Do(func() {
		s.err = err
		s.setState(StateStopped)
		s.notifyPost(mailbox.Message{Kind: mailbox.Finished, Err: err})
		close(s.done)
	})
}

// Destroy stops the session and waits for every stage to exit.
func (s *Session) Destroy() {
	if s.started.CompareAndSwap(false, true) {
		s.closeResources(false)
		s.finish(nil)
		return
	}
	s.quit.Raise()
	s.cancelStages()
	<-s.done
}

// cancelStages cancels the stage context if Start has created it.
func (s *Session) cancelStages() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) setState(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStateLocked(to)
}

func (s *Session) setStateLocked(to State) bool {
	from := s.state
	if !canTransition(from, to) {
		return false
	}
	s.state = to
	s.log.Debug("state changed", "from", from, "to", to)
	s.notifyPost(mailbox.Message{Kind: mailbox.StateChanged, State: to.String()})
	return true
}

// notifyPost delivers msg to the embedder without blocking.
func (s *Session) notifyPost(msg mailbox.Message) {
	if s.notify == nil {
		return
	}
	msg.Session = s.id
	msg.Tag = s.tag
	if err := s.notify.Post(msg); err != nil {
		s.stats.notifyDropped.Add(1)
	}
}
