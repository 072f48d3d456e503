package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/zsiec/ccx"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/avplay/internal/api"
	"github.com/zsiec/avplay/internal/certs"
	"github.com/zsiec/avplay/internal/codec"
	"github.com/zsiec/avplay/internal/config"
	"github.com/zsiec/avplay/internal/mailbox"
	"github.com/zsiec/avplay/internal/player"
	"github.com/zsiec/avplay/internal/sink"
	"github.com/zsiec/avplay/internal/tsdemux"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "YAML config file")
	syncFlag := flag.String("sync", "", "master clock: audio, video or external")
	listenFlag := flag.String("listen", "", "serve the HTTP API and /metrics on this address")
	maxFrames := flag.Int("max-frames", 0, "stop after presenting this many pictures")
	tlsHosts := flag.String("tls", "", "serve the API over HTTPS with a self-signed certificate for these comma separated hosts")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: avplay [flags] <file.ts | srt://host:port> ...\n\n")
		fmt.Fprintf(os.Stderr, "Commands on stdin: s <seconds> seek, p pause, r resume, e end of stream, q quit, i info\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath, *syncFlag, *listenFlag, *tlsHosts, *maxFrames)
	if err != nil {
		fmt.Fprintf(os.Stderr, "avplay: %v\n", err)
		os.Exit(2)
	}
	if flag.NArg() == 0 && cfg.MetricsAddr == "" {
		flag.Usage()
		os.Exit(2)
	}

	level := parseLevel(cfg.LogLevel)
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(cfg, flag.Args()); err != nil {
		slog.Error("avplay failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path, syncType, listen, tlsHosts string, maxFrames int) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if syncType != "" {
		cfg.Player.Sync = syncType
	}
	if listen != "" {
		cfg.MetricsAddr = listen
	}
	if tlsHosts != "" {
		cfg.TLSHosts = strings.Split(tlsHosts, ",")
	}
	if maxFrames > 0 {
		cfg.Player.MaxFrames = maxFrames
	}
	return cfg, cfg.Validate()
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func run(cfg *config.Config, urls []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.Info("avplay starting", "version", version, "sync", cfg.Player.Sync,
		"sessions", len(urls), "listen", cfg.MetricsAddr)

	notify := mailbox.New(64)
	mgr := player.NewManager(newDepsFactory(cfg), player.OptionsFromConfig(cfg), nil)
	defer mgr.Shutdown()

	g, ctx := errgroup.WithContext(ctx)

	var started []*player.Session
	for i, url := range urls {
		sess, err := mgr.Create(ctx, url, notify, fmt.Sprintf("arg%d", i))
		if err != nil {
			slog.Error("cannot play", "url", url, "error", err)
			continue
		}
		started = append(started, sess)
	}
	if len(started) == 0 && cfg.MetricsAddr == "" {
		return errors.New("no playable input")
	}

	g.Go(func() error {
		logNotifications(ctx, notify)
		return nil
	})

	go readCommands(os.Stdin, mgr, cancel)

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           api.NewServer(ctx, mgr, notify, nil).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		if len(cfg.TLSHosts) > 0 {
			id, err := certs.SelfSigned(cfg.TLSHosts, 0)
			if err != nil {
				return fmt.Errorf("generating API certificate: %w", err)
			}
			srv.TLSConfig = id.TLSConfig()
			slog.Info("API certificate", "fingerprint", id.FingerprintHex(), "expires", id.NotAfter)
		}
		g.Go(func() error {
			slog.Info("HTTP API listening", "addr", cfg.MetricsAddr, "tls", srv.TLSConfig != nil)
			var err error
			if srv.TLSConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("API server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	} else {
		// Without the API, exit once every session has finished.
		g.Go(func() error {
			for _, s := range started {
				select {
				case <-s.Done():
				case <-ctx.Done():
					return nil
				}
			}
			cancel()
			return nil
		})
	}

	err := g.Wait()
	for _, s := range started {
		snap := s.Stats()
		slog.Info("session summary", "session", snap.ID, "url", snap.URL, "state", snap.State,
			"presented", snap.FramesPresented, "late", snap.FramesLate,
			"audio_corrections", snap.AudioCorrections, "seeks", snap.Seeks)
	}
	return err
}

// newDepsFactory builds fresh collaborators for every session. When more
// than one session writes audio to a file, later sessions get numbered
// files; only the first may write to stdout.
func newDepsFactory(cfg *config.Config) player.DepsFactory {
	var sessions atomic.Int64
	return func(id, url string) (player.Deps, error) {
		log := slog.Default().With("session", id)
		n := sessions.Add(1)

		device := cfg.Audio.Device
		switch {
		case cfg.Audio.Mute:
			device = ""
		case device == "-" && n > 1:
			log.Warn("stdout audio is taken by the first session, discarding")
			device = ""
		case device != "" && device != "-" && n > 1:
			device = fmt.Sprintf("%s.%d", device, n)
		}
		audio, err := sink.OpenAudioDevice(device, cfg.Audio.Period, log)
		if err != nil {
			return player.Deps{}, err
		}

		return player.Deps{
			Opener: &tsdemux.Opener{
				Log:         log,
				SRTLatency:  cfg.SRT.Latency,
				SRTStreamID: cfg.SRT.StreamID,
				Captions: func(f *ccx.CaptionFrame) {
					log.Info("caption", "channel", f.Channel, "pts_us", f.PTS, "text", f.Text)
				},
			},
			Codecs:    &codec.Codecs{Log: log},
			Resampler: &codec.Resampler{},
			Scaler:    codec.Scaler{},
			VideoSink: sink.NewVideoLog(log, nil),
			AudioSink: audio,
			Log:       log,
		}, nil
	}
}

func logNotifications(ctx context.Context, notify *mailbox.Mailbox) {
	for {
		msg, err := notify.Wait(ctx)
		if err != nil {
			return
		}
		log := slog.With("session", msg.Session, "tag", msg.Tag)
		switch msg.Kind {
		case mailbox.Position:
			log.Info("position", "seconds", strconv.FormatFloat(msg.Seconds, 'f', 2, 64))
		case mailbox.StateChanged:
			log.Info("state", "state", msg.State)
		case mailbox.Fatal:
			log.Error("session failed", "error", msg.Err)
		case mailbox.Finished:
			log.Info("session finished")
		}
	}
}

// commandNames maps stdin shorthands to control commands.
var commandNames = map[string]string{
	"s": "seek",
	"p": "pause",
	"r": "resume",
	"e": "eos",
	"q": "stop",
}

// readCommands applies each stdin line to every session. q also ends the
// program.
func readCommands(r io.Reader, mgr *player.Manager, quit context.CancelFunc) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "i" {
			for _, snap := range mgr.Snapshots() {
				slog.Info("session", "session", snap.ID, "state", snap.State, "position", snap.Position,
					"video_queue", snap.VideoQueueBytes, "audio_queue", snap.AudioQueueBytes,
					"presented", snap.FramesPresented, "late", snap.FramesLate)
			}
			continue
		}

		msg, err := parseCommand(fields)
		if err != nil {
			slog.Warn("bad command", "line", sc.Text(), "error", err)
			continue
		}
		var wg sync.WaitGroup
		for _, s := range mgr.List() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.Post(msg); err != nil {
					slog.Warn("command not delivered", "session", s.ID(), "error", err)
				}
			}()
		}
		wg.Wait()
		if msg.Kind == mailbox.Stop {
			quit()
			return
		}
	}
}

func parseCommand(fields []string) (mailbox.Message, error) {
	name, ok := commandNames[fields[0]]
	if !ok {
		name = fields[0]
	}
	var seconds float64
	if name == "seek" {
		if len(fields) < 2 {
			return mailbox.Message{}, errors.New("seek needs an offset in seconds")
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return mailbox.Message{}, fmt.Errorf("invalid seek offset %q", fields[1])
		}
		seconds = v
	}
	return api.ParseCommand(name, seconds)
}
