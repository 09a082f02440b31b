package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotConnected       = errors.New("session: not connected")
	ErrCaptureUnavailable = errors.New("session: audio capture unavailable")
	ErrAlreadyRecording   = errors.New("session: already recording")
	ErrSessionClosed      = errors.New("session: closed")
)

// ErrorKind categorizes failures recorded by the session.
type ErrorKind string

const (
	KindProtocol ErrorKind = "protocol"
	KindStale    ErrorKind = "stale" // logged only, never recorded
	KindStream   ErrorKind = "stream"
	KindTool     ErrorKind = "tool"
	KindResource ErrorKind = "resource"
)

const (
	CodeAudioStreamError    = "audio_stream_error"
	CodePlaybackFailed      = "playback_failed"
	CodeCaptureStartFailed  = "capture_start_failed"
	CodeCaptureStopFailed   = "capture_stop_failed"
	CodeCaptureUnavailable  = "capture_unavailable"
	CodeSendFailed          = "send_failed"
	CodeToolTimeout         = "tool_timeout"
	CodeToolExecutionFailed = "tool_execution_failed"
	CodeToolNotConfigured   = "tool_not_configured"
	CodeDuplicateToolCallID = "duplicate_tool_call_id"
)

// Error is a failure recorded in the session's LastError or LastToolError slot.
type Error struct {
	Kind       ErrorKind `json:"kind"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	At         time.Time `json:"at"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
