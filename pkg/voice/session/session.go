package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-voice/pkg/voice/transcript"
)

const (
	defaultToolTimeout    = 10 * time.Second
	defaultArchiveTimeout = 5 * time.Second
)

type Config struct {
	ToolTimeout    time.Duration
	ArchiveTimeout time.Duration
}

type Dependencies struct {
	Transport Transport
	Capture   CaptureSource
	Sink      AudioSink
	Tools     ToolExecutor
	Archiver  Archiver
	Logger    *slog.Logger
	Config    Config
	Now       func() time.Time
	NewID     func() string
}

// Session is the conversation state machine. All state below the loop
// marker is owned by the goroutine running Run.
type Session struct {
	transport Transport
	capture   CaptureSource
	sink      AudioSink
	tools     ToolExecutor
	archiver  Archiver
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	requests     chan request
	toolDone     chan toolOutcome
	subs         *broadcaster
	running      atomic.Bool
	done         chan struct{}
	disconnected chan struct{}
	wg           sync.WaitGroup

	// loop-owned
	state          State
	conversationID string
	startedAt      time.Time
	transcript     *transcript.Transcript
	playbackActive bool
	// sinkDirty is set once playback starts and cleared by an abort. It lets a
	// new conversation flush audio still draining from the previous one.
	sinkDirty     bool
	recording     bool
	captureCh     <-chan []byte
	inflight      map[string]*toolCall
	lastError     *Error
	lastToolError *Error
	seq           uint64
}

type request struct {
	fn   func(ctx context.Context) error
	emit bool
	resp chan error
}

func New(deps Dependencies) (*Session, error) {
	if deps.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Capture == nil {
		deps.Capture = noCapture{}
	}
	if deps.Sink == nil {
		deps.Sink = discardSink{}
	}
	if deps.Config.ToolTimeout <= 0 {
		deps.Config.ToolTimeout = defaultToolTimeout
	}
	if deps.Config.ArchiveTimeout <= 0 {
		deps.Config.ArchiveTimeout = defaultArchiveTimeout
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Session{
		transport:    deps.Transport,
		capture:      deps.Capture,
		sink:         deps.Sink,
		tools:        deps.Tools,
		archiver:     deps.Archiver,
		logger:       deps.Logger,
		cfg:          deps.Config,
		now:          deps.Now,
		requests:     make(chan request),
		toolDone:     make(chan toolOutcome, 8),
		subs:         newBroadcaster(),
		done:         make(chan struct{}),
		disconnected: make(chan struct{}),
		state:        StateDisconnected,
		transcript:   transcript.New(transcript.Options{NewID: deps.NewID, Now: deps.Now}),
		inflight:     make(map[string]*toolCall),
	}, nil
}

// Run processes inbound events, capture buffers, tool completions and local
// requests until ctx is cancelled. When the transport's event stream ends the
// session moves to StateDisconnected and keeps serving local requests.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("session already running")
	}
	defer close(s.done)

	loopCtx, cancel := context.WithCancel(ctx)
	defer s.wg.Wait()
	defer cancel()
	defer s.subs.close()

	events := s.transport.Events()
	s.state = StateIdle
	s.emit()

	for {
		select {
		case <-ctx.Done():
			s.shutdown(loopCtx)
			return nil
		case raw, ok := <-events:
			if !ok {
				events = nil
				s.handleDisconnect(loopCtx)
				s.emit()
				continue
			}
			if s.handleRaw(loopCtx, raw) {
				s.emit()
			}
		case buf, ok := <-s.captureCh:
			if !ok {
				s.logger.Debug("capture stream ended")
				s.captureCh = nil
				s.recording = false
				s.emit()
				continue
			}
			if s.forwardAudio(loopCtx, buf) {
				s.emit()
			}
		case out := <-s.toolDone:
			if s.handleToolOutcome(loopCtx, out) {
				s.emit()
			}
		case req := <-s.requests:
			err := req.fn(loopCtx)
			if req.emit {
				s.emit()
			}
			req.resp <- err
		}
	}
}

// Disconnected is closed once the transport's event stream has ended.
func (s *Session) Disconnected() <-chan struct{} { return s.disconnected }

// Subscribe returns a channel that receives a snapshot after every
// transition, starting with the latest one. The channel is closed when the
// returned func is called or Run exits.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	return s.subs.subscribe()
}

func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.do(ctx, false, func(context.Context) error {
		snap = s.snapshot()
		return nil
	})
	return snap, err
}

// StartRecording begins microphone capture and streams buffers to the
// service. Active playback is aborted first.
func (s *Session) StartRecording(ctx context.Context, deviceHint string) error {
	return s.do(ctx, true, func(loopCtx context.Context) error {
		return s.startRecording(loopCtx, deviceHint)
	})
}

func (s *Session) StopRecording(ctx context.Context) error {
	return s.do(ctx, true, func(context.Context) error {
		return s.stopRecording()
	})
}

// Clear drops the current conversation and returns the session to idle.
func (s *Session) Clear(ctx context.Context) error {
	return s.do(ctx, true, func(loopCtx context.Context) error {
		s.endConversation(loopCtx, EndCleared)
		s.lastError = nil
		s.lastToolError = nil
		if s.state != StateDisconnected {
			s.state = StateIdle
		}
		return nil
	})
}

func (s *Session) do(ctx context.Context, emit bool, fn func(ctx context.Context) error) error {
	req := request{fn: fn, emit: emit, resp: make(chan error, 1)}
	select {
	case s.requests <- req:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		Seq:                  s.seq,
		State:                s.state,
		ConversationID:       s.conversationID,
		Entries:              s.transcript.Entries(),
		Partial:              s.transcript.Partial(),
		OpenAssistantEntryID: s.transcript.OpenEntryID(),
		PlaybackActive:       s.playbackActive,
		RecordingActive:      s.recording,
		ToolExecuting:        len(s.inflight) > 0,
		PendingToolCalls:     len(s.inflight),
		LastError:            s.lastError,
		LastToolError:        s.lastToolError,
		At:                   s.now(),
	}
}

func (s *Session) emit() {
	s.seq++
	s.subs.publish(s.snapshot())
}

// endConversation archives the active conversation and tears down
// everything scoped to it.
func (s *Session) endConversation(ctx context.Context, reason string) {
	s.archive(ctx, reason)
	s.cancelTools()
	if s.sinkDirty || s.playbackActive {
		s.abortPlayback()
	}
	s.transcript.Reset()
	s.conversationID = ""
	s.startedAt = time.Time{}
}

func (s *Session) handleDisconnect(ctx context.Context) {
	s.logger.Info("transport disconnected", "conversation_id", s.conversationID)
	s.endConversation(ctx, EndDisconnected)
	if s.recording {
		if err := s.stopRecording(); err != nil {
			s.logger.Warn("stop capture on disconnect failed", "error", err)
		}
	}
	s.state = StateDisconnected
	close(s.disconnected)
}

func (s *Session) shutdown(ctx context.Context) {
	if s.state != StateDisconnected {
		s.endConversation(ctx, EndShutdown)
	}
	if s.recording {
		if err := s.stopRecording(); err != nil {
			s.logger.Warn("stop capture on shutdown failed", "error", err)
		}
	}
	s.state = StateDisconnected
	s.emit()
}

func (s *Session) archive(ctx context.Context, reason string) {
	if s.archiver == nil || s.conversationID == "" || s.transcript.Len() == 0 {
		return
	}
	rec := ConversationRecord{
		ConversationID: s.conversationID,
		StartedAt:      s.startedAt,
		EndedAt:        s.now(),
		EndReason:      reason,
		Entries:        s.transcript.Entries(),
	}
	archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ArchiveTimeout)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if err := s.archiver.ArchiveConversation(archiveCtx, rec); err != nil {
			s.logger.Warn("archive conversation failed", "conversation_id", rec.ConversationID, "error", err)
		}
	}()
}

func (s *Session) setError(kind ErrorKind, code, message string) *Error {
	e := &Error{Kind: kind, Code: code, Message: message, At: s.now()}
	s.lastError = e
	return e
}

func (s *Session) setToolError(id, code, message string) *Error {
	e := &Error{Kind: KindTool, Code: code, Message: message, ToolCallID: id, At: s.now()}
	s.lastToolError = e
	return e
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
