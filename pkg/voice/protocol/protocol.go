package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound event types.
const (
	TypeConversationStarted = "conversation_started"
	TypePartialTranscript   = "partial_transcript"
	TypeFinalTranscript     = "final_transcript"
	TypeToken               = "token"
	TypeToolStatus          = "tool_status"
	TypeUserInterrupted     = "user_interrupted"
	TypeBargeIn             = "barge_in"
	TypeAudioStreamStart    = "audio_stream_start"
	TypeAudioChunk          = "audio_chunk"
	TypeAudioStreamEnd      = "audio_stream_end"
	TypeAudioStreamError    = "audio_stream_error"
	TypeToolRequest         = "tool_request"
	TypeToolCancel          = "tool_cancel"
)

// Outbound command types.
const (
	CommandAudioChunk = "audio_chunk"
	CommandToolResult = "tool_result"
	CommandToolError  = "tool_error"
)

const (
	CodeBadRequest  = "bad_request"
	CodeUnsupported = "unsupported"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
	// Type is the event discriminator when it could be read.
	Type string
	// ConversationID is the frame's conversation tag when it could be read.
	ConversationID string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(typ, message, param string) *DecodeError {
	return &DecodeError{Code: CodeBadRequest, Message: message, Param: param, Type: typ}
}

func unsupported(typ, message, param string) *DecodeError {
	return &DecodeError{Code: CodeUnsupported, Message: message, Param: param, Type: typ}
}

// Event is a classified inbound event.
type Event interface {
	EventType() string
	// Conversation returns the conversation the event is tagged with.
	Conversation() string
}

type ConversationStarted struct {
	ConversationID string `json:"conversation_id"`
}

func (e ConversationStarted) EventType() string    { return TypeConversationStarted }
func (e ConversationStarted) Conversation() string { return e.ConversationID }

type PartialTranscript struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

func (e PartialTranscript) EventType() string    { return TypePartialTranscript }
func (e PartialTranscript) Conversation() string { return e.ConversationID }

type FinalTranscript struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

func (e FinalTranscript) EventType() string    { return TypeFinalTranscript }
func (e FinalTranscript) Conversation() string { return e.ConversationID }

type Token struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

func (e Token) EventType() string    { return TypeToken }
func (e Token) Conversation() string { return e.ConversationID }

type ToolStatus struct {
	ConversationID string `json:"conversation_id"`
	Name           string `json:"name"`
	Status         string `json:"status"`
}

func (e ToolStatus) EventType() string    { return TypeToolStatus }
func (e ToolStatus) Conversation() string { return e.ConversationID }

// Interruption covers both user_interrupted and barge_in; they are handled
// identically and only differ by Type.
type Interruption struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

func (e Interruption) EventType() string    { return e.Type }
func (e Interruption) Conversation() string { return e.ConversationID }

type AudioStreamStart struct {
	ConversationID string `json:"conversation_id"`
	SampleRate     int    `json:"sample_rate"`
	Channels       int    `json:"channels"`
}

func (e AudioStreamStart) EventType() string    { return TypeAudioStreamStart }
func (e AudioStreamStart) Conversation() string { return e.ConversationID }

type AudioChunk struct {
	ConversationID string `json:"conversation_id"`
	Data           []byte `json:"-"`
}

func (e AudioChunk) EventType() string    { return TypeAudioChunk }
func (e AudioChunk) Conversation() string { return e.ConversationID }

type AudioStreamEnd struct {
	ConversationID string `json:"conversation_id"`
}

func (e AudioStreamEnd) EventType() string    { return TypeAudioStreamEnd }
func (e AudioStreamEnd) Conversation() string { return e.ConversationID }

type AudioStreamError struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

func (e AudioStreamError) EventType() string    { return TypeAudioStreamError }
func (e AudioStreamError) Conversation() string { return e.ConversationID }

// ToolRequest asks the client to run a capability locally. Payload is passed
// to the executor untouched.
type ToolRequest struct {
	ConversationID string          `json:"conversation_id"`
	ID             string          `json:"tool_call_id"`
	Payload        json.RawMessage `json:"payload"`
}

func (e ToolRequest) EventType() string    { return TypeToolRequest }
func (e ToolRequest) Conversation() string { return e.ConversationID }

type ToolCancel struct {
	ConversationID string `json:"conversation_id"`
	ID             string `json:"tool_call_id"`
	Reason         string `json:"reason,omitempty"`
}

func (e ToolCancel) EventType() string    { return TypeToolCancel }
func (e ToolCancel) Conversation() string { return e.ConversationID }

// Unknown is returned for a well-formed frame whose type is not recognized.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (e Unknown) EventType() string    { return e.Type }
func (e Unknown) Conversation() string { return "" }

type inboundFrame struct {
	Type           string          `json:"type"`
	ConversationID *string         `json:"conversation_id"`
	Text           *string         `json:"text"`
	Name           string          `json:"name"`
	Status         string          `json:"status"`
	SampleRate     int             `json:"sample_rate"`
	Channels       int             `json:"channels"`
	AudioB64       *string         `json:"audio_b64"`
	Message        string          `json:"message"`
	ToolCallID     string          `json:"tool_call_id"`
	Payload        json.RawMessage `json:"payload"`
	Reason         string          `json:"reason"`
}

// DecodeEvent classifies one raw inbound event. Frames missing a required
// field are rejected with a *DecodeError; unrecognized types decode to Unknown.
func DecodeEvent(data []byte) (Event, error) {
	ev, err := decodeEvent(data)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeEvent(data []byte) (_ Event, err *DecodeError) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, badRequest("", "invalid json frame", "")
	}
	typ := strings.TrimSpace(frame.Type)
	if typ == "" {
		return nil, badRequest("", "missing type", "type")
	}

	conversationID := ""
	if frame.ConversationID != nil {
		conversationID = strings.TrimSpace(*frame.ConversationID)
	}
	defer func() {
		if err != nil {
			err.ConversationID = conversationID
		}
	}()
	requireConversation := func() *DecodeError {
		if conversationID == "" {
			return badRequest(typ, typ+".conversation_id is required", "conversation_id")
		}
		return nil
	}
	requireText := func() *DecodeError {
		if frame.Text == nil {
			return badRequest(typ, typ+".text is required", "text")
		}
		return nil
	}

	switch typ {
	case TypeConversationStarted:
		if err := requireConversation(); err != nil {
			return nil, err
		}
		return ConversationStarted{ConversationID: conversationID}, nil
	case TypePartialTranscript, TypeFinalTranscript, TypeToken:
		if err := requireConversation(); err != nil {
			return nil, err
		}
		if err := requireText(); err != nil {
			return nil, err
		}
		switch typ {
		case TypePartialTranscript:
			return PartialTranscript{ConversationID: conversationID, Text: *frame.Text}, nil
		case TypeFinalTranscript:
			return FinalTranscript{ConversationID: conversationID, Text: *frame.Text}, nil
		default:
			return Token{ConversationID: conversationID, Text: *frame.Text}, nil
		}
	case TypeToolStatus:
		if err := requireConversation(); err != nil {
			return nil, err
		}
		name := strings.TrimSpace(frame.Name)
		if name == "" {
			return nil, badRequest(typ, "tool_status.name is required", "name")
		}
		status := strings.TrimSpace(frame.Status)
		if status == "" {
			return nil, badRequest(typ, "tool_status.status is required", "status")
		}
		return ToolStatus{ConversationID: conversationID, Name: name, Status: status}, nil
	case TypeUserInterrupted, TypeBargeIn:
		if err := requireConversation(); err != nil {
			return nil, err
		}
		return Interruption{Type: typ, ConversationID: conversationID}, nil
	case TypeAudioStreamStart:
		if err := requireConversation(); err != nil {
			return nil, err
		}
		if frame.SampleRate <= 0 {
			return nil, badRequest(typ, "audio_stream_start.sample_rate must be > 0", "sample_rate")
		}
		if frame.Channels <= 0 {
			return nil, badRequest(typ, "audio_stream_start.channels must be > 0", "channels")
		}
		return AudioStreamStart{ConversationID: conversationID, SampleRate: frame.SampleRate, Channels: frame.Channels}, nil
	case TypeAudioChunk:
		if err := requireConversation(); err != nil {
			return nil, err
		}
		if frame.AudioB64 == nil {
			return nil, badRequest(typ, "audio_chunk.audio_b64 is required", "audio_b64")
		}
		audio, err := base64.StdEncoding.DecodeString(*frame.AudioB64)
		if err != nil {
			return nil, badRequest(typ, "audio_chunk.audio_b64 is not valid base64", "audio_b64")
		}
		return AudioChunk{ConversationID: conversationID, Data: audio}, nil
	case TypeAudioStreamEnd:
		if err := requireConversation(); err != nil {
			return nil, err
		}
		return AudioStreamEnd{ConversationID: conversationID}, nil
	case TypeAudioStreamError:
		if err := requireConversation(); err != nil {
			return nil, err
		}
		message := strings.TrimSpace(frame.Message)
		if message == "" {
			return nil, badRequest(typ, "audio_stream_error.message is required", "message")
		}
		return AudioStreamError{ConversationID: conversationID, Message: message}, nil
	case TypeToolRequest:
		if err := requireConversation(); err != nil {
			return nil, err
		}
		id := strings.TrimSpace(frame.ToolCallID)
		if id == "" {
			return nil, badRequest(typ, "tool_request.tool_call_id is required", "tool_call_id")
		}
		if len(frame.Payload) == 0 || string(frame.Payload) == "null" {
			return nil, badRequest(typ, "tool_request.payload is required", "payload")
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(frame.Payload, &obj); err != nil {
			return nil, unsupported(typ, "tool_request.payload must be a json object", "payload")
		}
		return ToolRequest{
			ConversationID: conversationID,
			ID:             id,
			Payload:        append(json.RawMessage(nil), frame.Payload...),
		}, nil
	case TypeToolCancel:
		if err := requireConversation(); err != nil {
			return nil, err
		}
		id := strings.TrimSpace(frame.ToolCallID)
		if id == "" {
			return nil, badRequest(typ, "tool_cancel.tool_call_id is required", "tool_call_id")
		}
		return ToolCancel{ConversationID: conversationID, ID: id, Reason: strings.TrimSpace(frame.Reason)}, nil
	default:
		return Unknown{Type: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// ClientAudioChunk carries captured microphone PCM to the service.
type ClientAudioChunk struct {
	Type     string `json:"type"`
	Seq      int64  `json:"seq"`
	AudioB64 string `json:"audio_b64"`
}

func NewClientAudioChunk(seq int64, pcm []byte) ClientAudioChunk {
	return ClientAudioChunk{
		Type:     CommandAudioChunk,
		Seq:      seq,
		AudioB64: base64.StdEncoding.EncodeToString(pcm),
	}
}

type ClientToolResult struct {
	Type       string          `json:"type"`
	ToolCallID string          `json:"tool_call_id"`
	Payload    json.RawMessage `json:"payload"`
}

type ClientToolError struct {
	Type       string `json:"type"`
	ToolCallID string `json:"tool_call_id"`
	Message    string `json:"message"`
}

// ValidateToolResult checks an outbound tool result before it is framed.
func ValidateToolResult(msg ClientToolResult) error {
	if strings.TrimSpace(msg.ToolCallID) == "" {
		return badRequest(CommandToolResult, "tool_result.tool_call_id is required", "tool_call_id")
	}
	if len(msg.Payload) > 0 && !json.Valid(msg.Payload) {
		return badRequest(CommandToolResult, "tool_result.payload must be valid json", "payload")
	}
	return nil
}

// ValidateToolError checks an outbound tool error before it is framed.
func ValidateToolError(msg ClientToolError) error {
	if strings.TrimSpace(msg.ToolCallID) == "" {
		return badRequest(CommandToolError, "tool_error.tool_call_id is required", "tool_call_id")
	}
	if strings.TrimSpace(msg.Message) == "" {
		return badRequest(CommandToolError, "tool_error.message is required", "message")
	}
	return nil
}
