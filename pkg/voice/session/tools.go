package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vango-go/vai-voice/pkg/voice/protocol"
)

type toolCall struct {
	id             string
	conversationID string
	cancel         context.CancelFunc
}

type toolOutcome struct {
	call    *toolCall
	payload json.RawMessage
	err     error
}

// dispatchTool starts req on its own goroutine. The outcome re-enters the
// loop through toolDone.
func (s *Session) dispatchTool(ctx context.Context, req protocol.ToolRequest) {
	if _, dup := s.inflight[req.ID]; dup {
		s.logger.Warn("duplicate tool call id", "tool_call_id", req.ID)
		s.setToolError(req.ID, CodeDuplicateToolCallID, "tool call already running")
		return
	}
	if s.tools == nil {
		s.setToolError(req.ID, CodeToolNotConfigured, "no tool executor configured")
		s.sendToolError(ctx, req.ID, "no tool executor configured")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ToolTimeout)
	call := &toolCall{id: req.ID, conversationID: req.ConversationID, cancel: cancel}
	s.inflight[req.ID] = call
	s.logger.Debug("tool call dispatched", "tool_call_id", req.ID, "conversation_id", req.ConversationID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		payload, err := s.execute(callCtx, req)
		if ctxErr := callCtx.Err(); ctxErr != nil {
			err = ctxErr
		}
		select {
		case s.toolDone <- toolOutcome{call: call, payload: payload, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (s *Session) execute(ctx context.Context, req protocol.ToolRequest) (payload json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return s.tools.Execute(ctx, req)
}

func (s *Session) handleToolOutcome(ctx context.Context, out toolOutcome) bool {
	current, ok := s.inflight[out.call.id]
	if !ok || current != out.call {
		s.logger.Debug("dropping result of cancelled tool call", "tool_call_id", out.call.id, "conversation_id", out.call.conversationID)
		return false
	}
	delete(s.inflight, out.call.id)
	out.call.cancel()

	switch {
	case errors.Is(out.err, context.Canceled):
		return true
	case errors.Is(out.err, context.DeadlineExceeded):
		s.logger.Warn("tool call timed out", "tool_call_id", out.call.id, "timeout", s.cfg.ToolTimeout)
		s.setToolError(out.call.id, CodeToolTimeout, "tool execution timed out")
		s.sendToolError(ctx, out.call.id, "tool execution timed out")
	case out.err != nil:
		msg := strings.TrimSpace(out.err.Error())
		s.logger.Warn("tool call failed", "tool_call_id", out.call.id, "error", out.err)
		s.setToolError(out.call.id, CodeToolExecutionFailed, msg)
		s.sendToolError(ctx, out.call.id, msg)
	default:
		payload := out.payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		if err := s.transport.SendToolResult(ctx, out.call.id, payload); err != nil {
			s.logger.Warn("send tool result failed", "tool_call_id", out.call.id, "error", err)
			s.setToolError(out.call.id, CodeSendFailed, err.Error())
		}
	}
	return true
}

func (s *Session) sendToolError(ctx context.Context, id, message string) {
	if err := s.transport.SendToolError(ctx, id, message); err != nil {
		s.logger.Warn("send tool error failed", "tool_call_id", id, "error", err)
	}
}

func (s *Session) cancelTool(id, reason string) bool {
	call, ok := s.inflight[id]
	if !ok {
		return false
	}
	s.logger.Debug("tool call cancelled", "tool_call_id", id, "reason", reason)
	call.cancel()
	delete(s.inflight, id)
	return true
}

// cancelTools cancels every in-flight call. Their late outcomes are dropped.
func (s *Session) cancelTools() {
	for id, call := range s.inflight {
		call.cancel()
		delete(s.inflight, id)
	}
}
