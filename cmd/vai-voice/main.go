package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/vango-go/vai-voice/internal/archive"
	"github.com/vango-go/vai-voice/internal/audio"
	"github.com/vango-go/vai-voice/internal/config"
	"github.com/vango-go/vai-voice/pkg/voice/session"
	"github.com/vango-go/vai-voice/pkg/voice/wsclient"
)

type voiceTransport interface {
	session.Transport
	Err() error
	Close() error
}

type playbackSink interface {
	session.AudioSink
	Available() bool
	Close() error
}

type appDeps struct {
	loadConfig   func(config.LoadOptions) (config.Config, error)
	dial         func(context.Context, wsclient.Config) (voiceTransport, error)
	newCapture   func(audio.CaptureConfig) session.CaptureSource
	newSink      func(audio.SinkConfig) playbackSink
	openArchive  func(context.Context, config.Config, *slog.Logger) (*archive.Store, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultAppDeps() appDeps {
	return appDeps{
		loadConfig: config.Load,
		dial: func(ctx context.Context, cfg wsclient.Config) (voiceTransport, error) {
			c, err := wsclient.Dial(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		newCapture: func(cfg audio.CaptureConfig) session.CaptureSource {
			return audio.NewFFmpegCapture(cfg)
		},
		newSink: func(cfg audio.SinkConfig) playbackSink {
			return audio.NewFFplaySink(cfg)
		},
		openArchive: openArchive,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// openArchive returns nil when archiving is disabled.
func openArchive(ctx context.Context, cfg config.Config, logger *slog.Logger) (*archive.Store, error) {
	if cfg.ArchiveDriver == config.ArchiveNone {
		return nil, nil
	}
	if cfg.ArchiveDriver == config.ArchiveSQLite && cfg.ArchiveDSN != ":memory:" && !strings.HasPrefix(cfg.ArchiveDSN, "file:") {
		if err := os.MkdirAll(filepath.Dir(cfg.ArchiveDSN), 0o755); err != nil {
			return nil, fmt.Errorf("create archive directory: %w", err)
		}
	}
	store, err := archive.Open(ctx, cfg.ArchiveDriver, cfg.ArchiveDSN, archive.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}

func runMain(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, deps appDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	if stdin == nil {
		stdin = os.Stdin
	}

	root := newRootCmd(deps)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "vai-voice: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr, defaultAppDeps()))
}
