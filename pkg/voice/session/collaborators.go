package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vango-go/vai-voice/pkg/voice/protocol"
	"github.com/vango-go/vai-voice/pkg/voice/transcript"
)

// Transport carries raw inbound events and outbound commands over the
// connection. Events is closed when the connection goes away.
type Transport interface {
	Events() <-chan []byte
	SendAudioChunk(ctx context.Context, pcm []byte) error
	SendToolResult(ctx context.Context, id string, payload json.RawMessage) error
	SendToolError(ctx context.Context, id string, message string) error
}

// CaptureSource produces microphone PCM buffers. The returned channel is
// closed when capture ends.
type CaptureSource interface {
	Available() bool
	Start(ctx context.Context, deviceHint string) (<-chan []byte, error)
	Stop() error
}

// AudioSink plays assistant audio. Abort must not return until queued audio
// has been discarded.
type AudioSink interface {
	StartPlayback(sampleRate, channels int) error
	Enqueue(pcm []byte) error
	Finish() error
	Abort() error
}

type ToolExecutor interface {
	Execute(ctx context.Context, req protocol.ToolRequest) (json.RawMessage, error)
}

// Archive reasons.
const (
	EndSuperseded   = "superseded"
	EndCleared      = "cleared"
	EndDisconnected = "disconnected"
	EndShutdown     = "shutdown"
)

// ConversationRecord is a finished conversation handed to an Archiver.
type ConversationRecord struct {
	ConversationID string
	StartedAt      time.Time
	EndedAt        time.Time
	EndReason      string
	Entries        []transcript.Entry
}

type Archiver interface {
	ArchiveConversation(ctx context.Context, rec ConversationRecord) error
}

type discardSink struct{}

func (discardSink) StartPlayback(int, int) error { return nil }
func (discardSink) Enqueue([]byte) error         { return nil }
func (discardSink) Finish() error                { return nil }
func (discardSink) Abort() error                 { return nil }

type noCapture struct{}

func (noCapture) Available() bool { return false }
func (noCapture) Start(context.Context, string) (<-chan []byte, error) {
	return nil, ErrCaptureUnavailable
}
func (noCapture) Stop() error { return nil }
