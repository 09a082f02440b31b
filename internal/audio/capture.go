package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"sync"
)

const (
	DefaultMicSampleRate = 16000
	pcmBytesPerSample    = 2
	captureQueueSize     = 32
)

var ErrCaptureRunning = errors.New("audio: capture already running")

type CaptureConfig struct {
	SampleRate int
	// FrameBytes is the size of each buffer handed to the session. Defaults
	// to 20ms of mono s16le audio.
	FrameBytes int
	Logger     *slog.Logger
}

// FFmpegCapture records the default microphone through an ffmpeg child
// process producing mono s16le PCM. It implements session.CaptureSource.
type FFmpegCapture struct {
	sampleRate int
	frameBytes int
	logger     *slog.Logger

	goos     string
	lookPath func(string) (string, error)
	command  func(name string, args ...string) *exec.Cmd

	mu   sync.Mutex
	proc *captureProc
}

type captureProc struct {
	cmd  *exec.Cmd
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewFFmpegCapture(cfg CaptureConfig) *FFmpegCapture {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultMicSampleRate
	}
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = cfg.SampleRate / 50 * pcmBytesPerSample
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &FFmpegCapture{
		sampleRate: cfg.SampleRate,
		frameBytes: cfg.FrameBytes,
		logger:     cfg.Logger,
		goos:       runtime.GOOS,
		lookPath:   exec.LookPath,
		command:    exec.Command,
	}
}

// Available reports whether ffmpeg is installed and the platform has a known
// default input device.
func (c *FFmpegCapture) Available() bool {
	if _, err := micFFmpegArgs(c.goos, "", c.sampleRate); err != nil {
		return false
	}
	_, err := c.lookPath("ffmpeg")
	return err == nil
}

func (c *FFmpegCapture) Start(ctx context.Context, deviceHint string) (<-chan []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc != nil {
		return nil, ErrCaptureRunning
	}

	args, err := micFFmpegArgs(c.goos, deviceHint, c.sampleRate)
	if err != nil {
		return nil, err
	}
	cmd := c.command("ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg mic capture: %w", err)
	}

	proc := &captureProc{cmd: cmd, stop: make(chan struct{}), done: make(chan struct{})}
	c.proc = proc
	out := make(chan []byte, captureQueueSize)
	go c.readLoop(ctx, proc, stdout, out)
	return out, nil
}

func (c *FFmpegCapture) readLoop(ctx context.Context, proc *captureProc, stdout io.Reader, out chan<- []byte) {
	defer close(proc.done)
	defer close(out)
	defer func() {
		c.mu.Lock()
		if c.proc == proc {
			c.proc = nil
		}
		c.mu.Unlock()
	}()
	defer func() {
		proc.kill()
		_ = proc.cmd.Wait()
	}()

	buf := make([]byte, c.frameBytes)
	for {
		n, readErr := io.ReadFull(stdout, buf)
		if n > 0 {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			select {
			case out <- frame:
			case <-proc.stop:
				return
			case <-ctx.Done():
				return
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
				select {
				case <-proc.stop:
				default:
					c.logger.Warn("mic capture read failed", "error", readErr)
				}
			}
			return
		}
	}
}

// Stop kills ffmpeg and waits for the buffer stream to close.
func (c *FFmpegCapture) Stop() error {
	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()
	if proc == nil {
		return nil
	}
	proc.kill()
	<-proc.done
	return nil
}

func (p *captureProc) kill() {
	p.once.Do(func() {
		close(p.stop)
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
}

func micFFmpegArgs(goos, deviceHint string, sampleRate int) ([]string, error) {
	device := strings.TrimSpace(deviceHint)
	var input []string
	switch goos {
	case "darwin":
		if device == "" {
			device = "0"
		}
		input = []string{"-f", "avfoundation", "-i", ":" + strings.TrimPrefix(device, ":")}
	case "linux":
		if device == "" {
			device = "default"
		}
		input = []string{"-f", "pulse", "-i", device}
	default:
		return nil, fmt.Errorf("mic capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, input...)
	args = append(args,
		"-ac", "1", "-ar", fmt.Sprintf("%d", sampleRate),
		"-f", "s16le", "-",
	)
	return args, nil
}
