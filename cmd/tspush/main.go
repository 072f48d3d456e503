// Command tspush sends a transport stream file over SRT in real time, for
// feeding avplay's srt:// inputs during development.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/avplay/internal/tsdemux"
)

// chunkSize is seven TS packets, the usual SRT payload.
const chunkSize = 188 * 7

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:6000", "SRT listener to dial")
	idFlag := flag.String("streamid", "", "SRT stream id")
	loopFlag := flag.Bool("loop", false, "restart from the beginning at end of file")
	durationFlag := flag.Float64("duration", 0, "duration in seconds (default: read from the file)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: tspush [flags] <file.ts>\n")
		flag.PrintDefaults()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := push(ctx, flag.Arg(0), *addrFlag, *idFlag, *durationFlag, *loopFlag); err != nil {
		slog.Error("push failed", "error", err)
		os.Exit(1)
	}
}

func push(ctx context.Context, path, addr, streamID string, duration float64, loop bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if duration <= 0 {
		duration = fileDuration(data)
	}
	if duration <= 0 {
		return fmt.Errorf("cannot determine the duration of %s; pass -duration", path)
	}
	bytesPerSec := float64(len(data)) / duration
	slog.Info("pushing", "file", path, "bytes", len(data), "duration", duration, "rate", int(bytesPerSec))

	cfg := srtgo.DefaultConfig()
	cfg.StreamID = streamID
	conn, err := srtgo.Dial(addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT dial %s: %w", addr, err)
	}
	defer conn.Close()
	stopOnCancel := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopOnCancel()

	start := time.Now()
	var sent int64
	for pass := 1; ; pass++ {
		for i := 0; i < len(data); i += chunkSize {
			end := min(i+chunkSize, len(data))
			if _, err := conn.Write(data[i:end]); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("SRT write: %w", err)
			}
			sent += int64(end - i)

			// Pace against the start time so loops are seamless.
			due := time.Duration(float64(sent) / bytesPerSec * float64(time.Second))
			if wait := due - time.Since(start); wait > 0 {
				time.Sleep(wait)
			}
		}
		slog.Info("pass complete", "pass", pass, "sent_bytes", sent, "elapsed", time.Since(start).Truncate(time.Second))
		if !loop {
			return nil
		}
	}
}

// fileDuration estimates the playing time of data from its timestamps.
func fileDuration(data []byte) float64 {
	src, err := tsdemux.NewSource(bytes.NewReader(data))
	if err != nil {
		return 0
	}
	return float64(src.Duration()) / float64(tsdemux.TimeBase.Den)
}
