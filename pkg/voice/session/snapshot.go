package session

import (
	"sync"
	"time"

	"github.com/vango-go/vai-voice/pkg/voice/transcript"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateIdle         State = "idle"
	StateConversing   State = "conversing"
)

// Snapshot is an immutable view of the session after a transition.
type Snapshot struct {
	Seq                  uint64             `json:"seq"`
	State                State              `json:"state"`
	ConversationID       string             `json:"conversation_id,omitempty"`
	Entries              []transcript.Entry `json:"entries"`
	Partial              string             `json:"partial,omitempty"`
	OpenAssistantEntryID string             `json:"open_assistant_entry_id,omitempty"`
	PlaybackActive       bool               `json:"playback_active"`
	RecordingActive      bool               `json:"recording_active"`
	ToolExecuting        bool               `json:"tool_executing"`
	PendingToolCalls     int                `json:"pending_tool_calls"`
	LastError            *Error             `json:"last_error,omitempty"`
	LastToolError        *Error             `json:"last_tool_error,omitempty"`
	At                   time.Time          `json:"at"`
}

// broadcaster fans snapshots out to subscribers. Each subscriber channel
// holds at most one value; a slow reader only ever sees the latest snapshot.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Snapshot
	nextID int
	latest *Snapshot
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Snapshot)}
}

func (b *broadcaster) subscribe() (<-chan Snapshot, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Snapshot, 1)
	if b.closed {
		if b.latest != nil {
			ch <- *b.latest
		}
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	if b.latest != nil {
		ch <- *b.latest
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *broadcaster) publish(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.latest = &snap
	for _, ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
