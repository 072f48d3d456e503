package tsdemux

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/avplay/internal/media"
)

const (
	defaultSRTLatency = 120 * time.Millisecond
	srtDialTimeout    = 10 * time.Second
	srtReadBuffer     = 64 << 10
)

// Opener opens transport stream URLs: srt://host:port dials an SRT
// listener, srt://:port?mode=listener waits for one publisher, and file://
// URLs and plain paths open files.
type Opener struct {
	Log *slog.Logger
	// SRTLatency is the receiver latency. Zero means 120ms.
	SRTLatency time.Duration
	// SRTStreamID is sent when the URL has no streamid query parameter.
	SRTStreamID string
	Captions    CaptionHandler
	ProbeBytes  int64
}

var _ media.Opener = (*Opener)(nil)

// Open dials or opens rawURL and probes it.
func (o *Opener) Open(ctx context.Context, rawURL string) (media.Source, error) {
	r, err := o.openReader(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	opts := []Option{WithLogger(o.Log), WithCaptions(o.Captions)}
	if o.ProbeBytes > 0 {
		opts = append(opts, WithProbeBytes(o.ProbeBytes))
	}
	src, err := NewSource(r, opts...)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("opening %s: %w", rawURL, err)
	}
	return src, nil
}

func (o *Opener) openReader(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	switch {
	case strings.HasPrefix(rawURL, "srt://"):
		return o.dialSRT(ctx, rawURL)
	case strings.HasPrefix(rawURL, "file://"):
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", rawURL, err)
		}
		return os.Open(u.Path)
	case strings.Contains(rawURL, "://"):
		return nil, fmt.Errorf("unsupported URL scheme in %q", rawURL)
	default:
		return os.Open(rawURL)
	}
}

// srtReader buffers an SRT connection, which delivers whole messages per
// read, into a byte stream.
type srtReader struct {
	*bufio.Reader
	conn io.Closer
}

func (r *srtReader) Close() error { return r.conn.Close() }

func (o *Opener) dialSRT(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", rawURL, err)
	}
	q := u.Query()

	latency := o.SRTLatency
	if v := q.Get("latency"); v != "" {
		ms, err := time.ParseDuration(v + "ms")
		if err != nil {
			return nil, fmt.Errorf("invalid latency %q: %w", v, err)
		}
		latency = ms
	}
	if latency <= 0 {
		latency = defaultSRTLatency
	}

	cfg := srtgo.DefaultConfig()
	setNanos(&cfg.Latency, latency)
	cfg.StreamID = o.SRTStreamID
	if id := q.Get("streamid"); id != "" {
		cfg.StreamID = id
	}

	log := o.Log
	if log == nil {
		log = slog.Default()
	}
	if q.Get("mode") == "listener" {
		l, err := srtgo.Listen(u.Host, cfg)
		if err != nil {
			return nil, fmt.Errorf("SRT listen on %s: %w", u.Host, err)
		}
		log.Info("waiting for SRT publisher", "addr", u.Host, "stream_id", cfg.StreamID)
		return acceptSRT(ctx, l.Accept, func() { l.Close() }, cfg.StreamID, log)
	}
	log.Info("dialing", "address", u.Host, "stream_id", cfg.StreamID, "latency", latency)

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(u.Host, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()

	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return &srtReader{Reader: bufio.NewReaderSize(res.conn, srtReadBuffer), conn: res.conn}, nil
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("SRT dial timed out after %s", srtDialTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

// acceptSRT returns the first publisher whose stream id matches want (any
// when empty) and stops listening.
func acceptSRT(ctx context.Context, accept func() (*srtgo.Conn, error), closeListener func(),
	want string, log *slog.Logger) (io.ReadCloser, error) {
	closeListener = sync.OnceFunc(closeListener)
	stop := context.AfterFunc(ctx, closeListener)
	defer stop()

	for {
		conn, err := accept()
		if err != nil {
			closeListener()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("SRT accept: %w", err)
		}
		if want != "" && conn.StreamID() != want {
			log.Warn("rejecting publisher", "stream_id", conn.StreamID(), "want", want)
			conn.Close()
			continue
		}
		closeListener()
		log.Info("publisher connected", "stream_id", conn.StreamID(), "remote", conn.RemoteAddr())
		return &srtReader{Reader: bufio.NewReaderSize(conn, srtReadBuffer), conn: conn}, nil
	}
}

// setNanos stores d as nanoseconds in an integer or time.Duration field.
func setNanos[T ~int | ~int32 | ~int64 | ~uint32 | ~uint64](dst *T, d time.Duration) {
	*dst = T(d.Nanoseconds())
}
