package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-voice/internal/audio"
	"github.com/vango-go/vai-voice/internal/config"
	"github.com/vango-go/vai-voice/internal/render"
	"github.com/vango-go/vai-voice/internal/statusapi"
	"github.com/vango-go/vai-voice/internal/tools"
	"github.com/vango-go/vai-voice/pkg/voice/session"
	"github.com/vango-go/vai-voice/pkg/voice/wsclient"
)

const statusShutdownGrace = 2 * time.Second

const commandHelp = `commands:
  /rec [device]  start recording (interrupts the assistant)
  /stop          stop recording
  /clear         drop the current conversation
  /quit          exit`

func newRunCmd(opts *rootOptions, deps appDeps) *cobra.Command {
	var device, statusAddr string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the voice service and start a session",
		Long: `Connect to the voice service and start an interactive session.

Type commands on stdin while the transcript is rendered on stdout:

` + commandHelp,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(deps)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if device != "" {
				cfg.Device = device
			}
			if statusAddr != "" {
				cfg.StatusAddr = statusAddr
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg)
			return runVoice(cmd.Context(), cfg, logger, deps, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "Microphone device hint passed to ffmpeg")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "Serve the status API on this address")
	return cmd
}

func runVoice(ctx context.Context, cfg config.Config, logger *slog.Logger, deps appDeps, in io.Reader, out io.Writer) error {
	if err := cfg.RequireServer(); err != nil {
		return err
	}
	out = &syncWriter{w: out}

	store, err := deps.openArchive(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	if store != nil {
		defer store.Close()
	}

	transport, err := deps.dial(ctx, wsclient.Config{
		URL:               cfg.ServerURL,
		APIKey:            cfg.APIKey,
		ConnectTimeout:    cfg.ConnectTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		PingInterval:      cfg.PingInterval,
		ReadTimeout:       cfg.ReadTimeout,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		OutboundQueueSize: cfg.OutboundQueueSize,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer transport.Close()

	sink := deps.newSink(audio.SinkConfig{Logger: logger})
	defer sink.Close()

	sessDeps := session.Dependencies{
		Transport: transport,
		Capture:   deps.newCapture(audio.CaptureConfig{SampleRate: cfg.MicSampleRate, Logger: logger}),
		Tools:     tools.Default(),
		Logger:    logger,
		Config:    session.Config{ToolTimeout: cfg.ToolTimeout},
	}
	if sink.Available() {
		sessDeps.Sink = sink
	} else {
		logger.Warn("ffplay not found; assistant audio will not be played")
	}
	if store != nil {
		sessDeps.Archiver = store
	}
	sess, err := session.New(sessDeps)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(runCtx) }()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		renderLoop(updates, out)
	}()

	if cfg.StatusAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := statusapi.NewRouter(sess, statusapi.Options{Logger: logger})
			if err := statusapi.Serve(runCtx, cfg.StatusAddr, h, statusShutdownGrace, logger); err != nil {
				logger.Error("status api stopped", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	fmt.Fprintln(out, commandHelp)
	loopErr := commandLoop(runCtx, sess, cfg, transport, scanLines(runCtx, in), sigCh, out, logger)

	cancel()
	if err := <-runErr; err != nil && loopErr == nil {
		loopErr = err
	}
	wg.Wait()
	if st, ok := transport.(interface{ Stats() wsclient.Stats }); ok {
		s := st.Stats()
		logger.Debug("outbound traffic", "audio_sent", s.AudioSent, "audio_dropped", s.AudioDropped, "tool_frames", s.ToolFrames)
	}
	return loopErr
}

func commandLoop(ctx context.Context, sess *session.Session, cfg config.Config, transport voiceTransport, lines <-chan string, sigCh <-chan os.Signal, out io.Writer, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
			return nil
		case <-sess.Disconnected():
			if err := transport.Err(); err != nil {
				return fmt.Errorf("connection closed: %w", err)
			}
			return errors.New("connection closed by server")
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleCommand(ctx, sess, cfg, line, out)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func handleCommand(ctx context.Context, sess *session.Session, cfg config.Config, line string, out io.Writer) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	switch fields[0] {
	case "/rec":
		hint := cfg.Device
		if len(fields) > 1 {
			hint = strings.Join(fields[1:], " ")
		}
		return false, sess.StartRecording(ctx, hint)
	case "/stop":
		return false, sess.StopRecording(ctx)
	case "/clear":
		return false, sess.Clear(ctx)
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(out, commandHelp)
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %q (try /help)", fields[0])
	}
}

// scanLines feeds stdin lines until EOF or ctx is done. The reader goroutine
// may outlive ctx while blocked in Read.
func scanLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// renderLoop redraws whenever the rendered view changes. It returns when the
// session closes the subscription.
func renderLoop(updates <-chan session.Snapshot, out io.Writer) {
	last := ""
	for snap := range updates {
		view := render.Render(snap)
		if view == last {
			continue
		}
		last = view
		fmt.Fprintln(out, view)
		fmt.Fprintln(out)
	}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
