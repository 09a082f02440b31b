package transcript

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a transcript entry.
type Kind string

const (
	KindUserUtterance      Kind = "user_utterance"
	KindAssistantUtterance Kind = "assistant_utterance"
	KindToolStatus         Kind = "tool_status"
	KindPartialTranscript  Kind = "partial_transcript"
)

// ErrNoOpenEntry is returned by AppendToOpenEntry when no assistant entry is open.
var ErrNoOpenEntry = errors.New("transcript: no open assistant entry")

type Entry struct {
	ID        string    `json:"id" yaml:"id"`
	Kind      Kind      `json:"kind" yaml:"kind"`
	Text      string    `json:"text" yaml:"text"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

type Options struct {
	NewID func() string
	Now   func() time.Time
}

// Transcript is the ordered chat history of one conversation plus the
// in-progress partial transcript. It is not safe for concurrent use; the
// session loop is its only writer.
type Transcript struct {
	entries []Entry
	index   map[string]int
	openID  string
	partial string

	newID func() string
	now   func() time.Time
}

func New(opts Options) *Transcript {
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Transcript{
		index: make(map[string]int),
		newID: opts.NewID,
		now:   opts.Now,
	}
}

// Append adds entry at the end. A missing ID or timestamp is filled in.
func (t *Transcript) Append(entry Entry) string {
	if entry.ID == "" {
		entry.ID = t.newID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.now()
	}
	t.index[entry.ID] = len(t.entries)
	t.entries = append(t.entries, entry)
	return entry.ID
}

// OpenNewAssistantEntry appends an empty assistant entry and marks it open.
// Any previously open entry is closed first.
func (t *Transcript) OpenNewAssistantEntry() string {
	t.openID = t.Append(Entry{Kind: KindAssistantUtterance})
	return t.openID
}

func (t *Transcript) AppendToOpenEntry(text string) error {
	if t.openID == "" {
		return ErrNoOpenEntry
	}
	idx, ok := t.index[t.openID]
	if !ok {
		t.openID = ""
		return ErrNoOpenEntry
	}
	t.entries[idx].Text += text
	return nil
}

func (t *Transcript) CloseOpenEntry() {
	t.openID = ""
}

// Reset empties the transcript. Calling it repeatedly is harmless.
func (t *Transcript) Reset() {
	t.entries = nil
	clear(t.index)
	t.openID = ""
	t.partial = ""
}

func (t *Transcript) OpenEntryID() string { return t.openID }
func (t *Transcript) Partial() string     { return t.partial }
func (t *Transcript) SetPartial(text string) {
	t.partial = text
}
func (t *Transcript) ClearPartial() { t.partial = "" }
func (t *Transcript) Len() int      { return len(t.entries) }

// Entries returns a copy of the entries in display order.
func (t *Transcript) Entries() []Entry {
	if len(t.entries) == 0 {
		return nil
	}
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Entry looks up an entry by id.
func (t *Transcript) Entry(id string) (Entry, bool) {
	idx, ok := t.index[id]
	if !ok {
		return Entry{}, false
	}
	return t.entries[idx], true
}
