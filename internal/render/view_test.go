package render

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vango-go/vai-voice/pkg/voice/session"
	"github.com/vango-go/vai-voice/pkg/voice/transcript"
)

func TestRenderEmptySession(t *testing.T) {
	out := Render(session.Snapshot{State: session.StateIdle})
	assert.Contains(t, out, "vai-voice")
	assert.Contains(t, out, "state: idle")
	assert.Contains(t, out, "No conversation yet.")
	assert.NotContains(t, out, "conversation:")
}

func TestRenderConversation(t *testing.T) {
	out := Render(session.Snapshot{
		State:          session.StateConversing,
		ConversationID: "c1",
		Entries: []transcript.Entry{
			{ID: "e1", Kind: transcript.KindUserUtterance, Text: "what time is it"},
			{ID: "e2", Kind: transcript.KindToolStatus, Text: "current_time: running"},
			{ID: "e3", Kind: transcript.KindAssistantUtterance, Text: "It is noon"},
		},
		OpenAssistantEntryID: "e3",
		Partial:              "and tomor",
		PlaybackActive:       true,
		ToolExecuting:        true,
		PendingToolCalls:     2,
	})

	assert.Contains(t, out, "conversation: c1")
	assert.Contains(t, out, "you: what time is it")
	assert.Contains(t, out, "current_time: running")
	assert.Contains(t, out, "assistant: It is noon▍")
	assert.Contains(t, out, "… and tomor")
	assert.Contains(t, out, "[tools:2]")
	assert.NotContains(t, out, "No conversation yet.")

	user := strings.Index(out, "what time is it")
	assistant := strings.Index(out, "It is noon")
	partial := strings.Index(out, "and tomor")
	assert.Less(t, user, assistant)
	assert.Less(t, assistant, partial)
}

func TestRenderClosedAssistantHasNoCursor(t *testing.T) {
	out := Render(session.Snapshot{
		State:   session.StateConversing,
		Entries: []transcript.Entry{{ID: "e1", Kind: transcript.KindAssistantUtterance, Text: "done"}},
	})
	assert.Contains(t, out, "assistant: done")
	assert.NotContains(t, out, "▍")
}

func TestTranscript(t *testing.T) {
	assert.Contains(t, Transcript(nil), "Empty transcript.")

	at := time.Date(2026, 1, 2, 9, 30, 15, 0, time.Local)
	out := Transcript([]transcript.Entry{
		{ID: "e1", Kind: transcript.KindUserUtterance, Text: "hello", CreatedAt: at},
		{ID: "e2", Kind: transcript.KindAssistantUtterance, Text: "hi there"},
	})
	assert.Contains(t, out, "09:30:15 you: hello")
	assert.Contains(t, out, "assistant: hi there")
	assert.NotContains(t, out, "▍")
}

func TestRenderErrorBanners(t *testing.T) {
	out := Render(session.Snapshot{
		State:         session.StateIdle,
		LastError:     &session.Error{Kind: session.KindStream, Code: session.CodeAudioStreamError, Message: "decoder crashed"},
		LastToolError: &session.Error{Kind: session.KindTool, Code: session.CodeToolTimeout, ToolCallID: "t1", Message: "tool execution timed out"},
	})
	assert.Contains(t, out, "error [audio_stream_error]: decoder crashed")
	assert.Contains(t, out, "tool t1 failed: tool execution timed out")
}
