package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

const playbackQueueSize = 256

var (
	ErrNoPlayback    = errors.New("audio: no active playback")
	ErrPlaybackQueue = errors.New("audio: playback queue full")
)

type SinkConfig struct {
	Logger *slog.Logger
}

// FFplaySink plays PCM through one ffplay process per stream. It implements
// session.AudioSink. Enqueue never blocks the caller; a writer goroutine
// feeds ffplay's stdin.
type FFplaySink struct {
	logger   *slog.Logger
	lookPath func(string) (string, error)
	command  func(name string, args ...string) *exec.Cmd

	mu       sync.Mutex
	current  *playback
	draining []*playback
}

type playback struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	queue  chan []byte
	stop   chan struct{}
	done   chan struct{}
	exited chan struct{}

	finishOnce sync.Once
	stopOnce   sync.Once
}

func NewFFplaySink(cfg SinkConfig) *FFplaySink {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &FFplaySink{
		logger:   cfg.Logger,
		lookPath: exec.LookPath,
		command:  exec.Command,
	}
}

func (s *FFplaySink) Available() bool {
	_, err := s.lookPath("ffplay")
	return err == nil
}

// StartPlayback spawns ffplay for a new stream. A stream still open is
// aborted first.
func (s *FFplaySink) StartPlayback(sampleRate, channels int) error {
	if sampleRate <= 0 || channels <= 0 {
		return fmt.Errorf("invalid playback format %d Hz x %d channels", sampleRate, channels)
	}
	s.mu.Lock()
	prev := s.current
	s.current = nil
	s.mu.Unlock()
	if prev != nil {
		prev.abort()
	}

	cmd := s.command("ffplay", ffplayArgs(sampleRate, channels)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open ffplay stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffplay: %w", err)
	}
	p := &playback{
		cmd:    cmd,
		stdin:  stdin,
		queue:  make(chan []byte, playbackQueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go p.writeLoop(s.logger)
	go func() {
		_ = cmd.Wait()
		close(p.exited)
	}()

	s.mu.Lock()
	s.current = p
	s.mu.Unlock()
	return nil
}

func (s *FFplaySink) Enqueue(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ErrNoPlayback
	}
	buf := append([]byte(nil), pcm...)
	select {
	case s.current.queue <- buf:
		return nil
	default:
		return ErrPlaybackQueue
	}
}

// Finish closes the stream; ffplay plays out what it has and exits.
func (s *FFplaySink) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	s.current.finish()
	s.draining = append(pruneExited(s.draining), s.current)
	s.current = nil
	return nil
}

// Abort kills every playback process, including streams still draining
// after Finish, and returns once their queued audio is discarded.
func (s *FFplaySink) Abort() error {
	s.mu.Lock()
	victims := s.draining
	if s.current != nil {
		victims = append(victims, s.current)
	}
	s.current = nil
	s.draining = nil
	s.mu.Unlock()

	for _, p := range victims {
		p.abort()
	}
	return nil
}

func (s *FFplaySink) Close() error {
	return s.Abort()
}

func (p *playback) writeLoop(logger *slog.Logger) {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case buf, ok := <-p.queue:
			if !ok {
				_ = p.stdin.Close()
				return
			}
			if _, err := p.stdin.Write(buf); err != nil {
				select {
				case <-p.stop:
				default:
					logger.Warn("ffplay write failed", "error", err)
				}
				return
			}
		}
	}
}

func (p *playback) finish() {
	p.finishOnce.Do(func() { close(p.queue) })
}

func (p *playback) abort() {
	p.stopOnce.Do(func() {
		close(p.stop)
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
	<-p.done
	<-p.exited
	for {
		select {
		case _, ok := <-p.queue:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func pruneExited(list []*playback) []*playback {
	out := list[:0]
	for _, p := range list {
		select {
		case <-p.exited:
		default:
			out = append(out, p)
		}
	}
	return out
}

func ffplayArgs(sampleRate, channels int) []string {
	return []string{
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", fmt.Sprintf("%d", sampleRate),
		"-ac", fmt.Sprintf("%d", channels),
		"-i", "pipe:0",
	}
}
