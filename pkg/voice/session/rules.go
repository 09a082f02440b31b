package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/vango-go/vai-voice/pkg/voice/protocol"
	"github.com/vango-go/vai-voice/pkg/voice/transcript"
)

// handleRaw decodes and applies one inbound event. It reports whether the
// session state changed.
func (s *Session) handleRaw(ctx context.Context, raw []byte) bool {
	ev, err := protocol.DecodeEvent(raw)
	if err != nil {
		var decErr *protocol.DecodeError
		code := protocol.CodeBadRequest
		if errors.As(err, &decErr) {
			code = decErr.Code
			if s.isStaleTag(decErr.Type, decErr.ConversationID) {
				s.logger.Debug("dropping malformed stale event",
					"kind", KindStale,
					"type", decErr.Type,
					"conversation_id", decErr.ConversationID,
					"active_conversation_id", s.conversationID,
					"error", err,
				)
				return false
			}
		}
		s.logger.Warn("dropping malformed event", "error", err)
		s.setError(KindProtocol, code, err.Error())
		return true
	}
	return s.handleEvent(ctx, ev)
}

// isStaleTag reports whether a frame tagged with id belongs to a conversation
// other than the active one. Untagged frames are never stale.
func (s *Session) isStaleTag(typ, id string) bool {
	if id == "" || typ == protocol.TypeConversationStarted {
		return false
	}
	return id != s.conversationID
}

func (s *Session) handleEvent(ctx context.Context, ev protocol.Event) bool {
	if unknown, ok := ev.(protocol.Unknown); ok {
		s.logger.Debug("ignoring unknown event type", "type", unknown.Type)
		return false
	}
	if started, ok := ev.(protocol.ConversationStarted); ok {
		s.startConversation(ctx, started.ConversationID)
		return true
	}
	if s.conversationID == "" || ev.Conversation() != s.conversationID {
		s.logger.Debug("dropping stale event",
			"kind", KindStale,
			"type", ev.EventType(),
			"conversation_id", ev.Conversation(),
			"active_conversation_id", s.conversationID,
		)
		return false
	}

	switch e := ev.(type) {
	case protocol.PartialTranscript:
		s.transcript.SetPartial(e.Text)
	case protocol.FinalTranscript:
		s.transcript.Append(transcript.Entry{Kind: transcript.KindUserUtterance, Text: e.Text})
		s.transcript.ClearPartial()
		s.transcript.CloseOpenEntry()
	case protocol.Token:
		if s.transcript.OpenEntryID() == "" {
			s.transcript.OpenNewAssistantEntry()
		}
		if err := s.transcript.AppendToOpenEntry(e.Text); err != nil {
			s.logger.Warn("append token failed", "error", err)
		}
	case protocol.ToolStatus:
		s.transcript.Append(transcript.Entry{
			Kind: transcript.KindToolStatus,
			Text: fmt.Sprintf("%s: %s", e.Name, e.Status),
		})
	case protocol.AudioStreamStart:
		if s.transcript.OpenEntryID() == "" {
			s.transcript.OpenNewAssistantEntry()
		}
		s.startPlayback(e.SampleRate, e.Channels)
	case protocol.AudioChunk:
		return s.enqueueAudio(e.Data)
	case protocol.AudioStreamEnd:
		if !s.playbackActive {
			s.logger.Debug("audio_stream_end without active playback")
			return false
		}
		if err := s.sink.Finish(); err != nil {
			s.logger.Warn("finish playback failed", "error", err)
			s.setError(KindStream, CodePlaybackFailed, err.Error())
		}
		s.playbackActive = false
	case protocol.AudioStreamError:
		s.abortPlayback()
		s.transcript.CloseOpenEntry()
		s.setError(KindStream, CodeAudioStreamError, e.Message)
	case protocol.Interruption:
		s.logger.Debug("interrupting assistant", "type", e.Type)
		s.abortPlayback()
		s.transcript.CloseOpenEntry()
	case protocol.ToolRequest:
		s.dispatchTool(ctx, e)
	case protocol.ToolCancel:
		return s.cancelTool(e.ID, e.Reason)
	default:
		s.logger.Debug("unhandled event", "type", ev.EventType())
		return false
	}
	return true
}

func (s *Session) startConversation(ctx context.Context, id string) {
	if s.conversationID != "" {
		s.logger.Info("conversation superseded", "previous_conversation_id", s.conversationID, "conversation_id", id)
	}
	s.endConversation(ctx, EndSuperseded)
	s.conversationID = id
	s.startedAt = s.now()
	s.state = StateConversing
	s.logger.Debug("conversation started", "conversation_id", id)
}

func (s *Session) startPlayback(sampleRate, channels int) {
	if err := s.sink.StartPlayback(sampleRate, channels); err != nil {
		s.logger.Warn("start playback failed", "sample_rate", sampleRate, "channels", channels, "error", err)
		s.setError(KindStream, CodePlaybackFailed, err.Error())
		s.playbackActive = false
		return
	}
	s.playbackActive = true
	s.sinkDirty = true
}

func (s *Session) enqueueAudio(pcm []byte) bool {
	if !s.playbackActive {
		s.logger.Debug("dropping audio chunk without active playback", "bytes", len(pcm))
		return false
	}
	if err := s.sink.Enqueue(pcm); err != nil {
		s.logger.Warn("enqueue audio failed", "error", err)
		s.setError(KindStream, CodePlaybackFailed, err.Error())
		return true
	}
	return false
}

// abortPlayback silences the sink and discards queued audio. The sink call
// returns once the queue is gone, so the abort has settled on return.
func (s *Session) abortPlayback() {
	if err := s.sink.Abort(); err != nil {
		s.logger.Warn("abort playback failed", "error", err)
		s.setError(KindStream, CodePlaybackFailed, err.Error())
	}
	s.playbackActive = false
	s.sinkDirty = false
}
