// Package render formats session snapshots for the terminal.
package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/vango-go/vai-voice/pkg/voice/session"
	"github.com/vango-go/vai-voice/pkg/voice/transcript"
)

// Render draws the transcript, the live partial line and any error banners.
func Render(snap session.Snapshot) string {
	return renderView(snap, newStyles())
}

func renderView(snap session.Snapshot, s styles) string {
	lines := []string{
		s.title.Render("vai-voice"),
		s.header.Render(headerLine(snap)),
		statusLine(snap, s),
	}

	if len(snap.Entries) == 0 && snap.Partial == "" {
		lines = append(lines, s.empty.Render("No conversation yet."))
	}
	for _, e := range snap.Entries {
		lines = append(lines, entryLine(e, e.ID == snap.OpenAssistantEntryID, s))
	}
	if snap.Partial != "" {
		lines = append(lines, s.partial.Render("… "+snap.Partial))
	}

	if snap.LastError != nil {
		lines = append(lines, s.errBanner.Render(fmt.Sprintf("error [%s]: %s", snap.LastError.Code, snap.LastError.Message)))
	}
	if snap.LastToolError != nil {
		lines = append(lines, s.toolErr.Render(fmt.Sprintf("tool %s failed: %s", snap.LastToolError.ToolCallID, snap.LastToolError.Message)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// Transcript draws archived entries with their timestamps.
func Transcript(entries []transcript.Entry) string {
	s := newStyles()
	if len(entries) == 0 {
		return s.empty.Render("Empty transcript.")
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		stamp := ""
		if !e.CreatedAt.IsZero() {
			stamp = s.header.Render(e.CreatedAt.Local().Format("15:04:05")) + " "
		}
		lines = append(lines, stamp+entryLine(e, false, s))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func headerLine(snap session.Snapshot) string {
	if snap.ConversationID == "" {
		return fmt.Sprintf("state: %s", snap.State)
	}
	return fmt.Sprintf("state: %s  conversation: %s", snap.State, snap.ConversationID)
}

func statusLine(snap session.Snapshot, s styles) string {
	badge := func(label string, on bool) string {
		if on {
			return s.badgeOn.Render("[" + label + "]")
		}
		return s.badgeOff.Render("[" + label + "]")
	}
	tools := "tools"
	if snap.PendingToolCalls > 0 {
		tools = fmt.Sprintf("tools:%d", snap.PendingToolCalls)
	}
	return lipgloss.JoinHorizontal(lipgloss.Top,
		badge("rec", snap.RecordingActive), " ",
		badge("play", snap.PlaybackActive), " ",
		badge(tools, snap.ToolExecuting),
	)
}

func entryLine(e transcript.Entry, open bool, s styles) string {
	switch e.Kind {
	case transcript.KindUserUtterance:
		return s.user.Render("you: ") + e.Text
	case transcript.KindAssistantUtterance:
		text := e.Text
		if open {
			return s.open.Render("assistant: " + text + "▍")
		}
		return s.assistant.Render("assistant: " + text)
	case transcript.KindToolStatus:
		return s.tool.Render("  ⚙ " + e.Text)
	default:
		return s.empty.Render(strings.TrimSpace(string(e.Kind) + ": " + e.Text))
	}
}
