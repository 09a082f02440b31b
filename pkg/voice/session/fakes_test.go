package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-voice/pkg/voice/protocol"
)

type sentToolResult struct {
	id      string
	payload json.RawMessage
}

type sentToolError struct {
	id      string
	message string
}

type fakeTransport struct {
	events chan []byte

	mu         sync.Mutex
	audio      [][]byte
	results    []sentToolResult
	toolErrors []sentToolError
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan []byte)}
}

func (f *fakeTransport) Events() <-chan []byte { return f.events }

func (f *fakeTransport) SendAudioChunk(_ context.Context, pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, append([]byte(nil), pcm...))
	return nil
}

func (f *fakeTransport) SendToolResult(_ context.Context, id string, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, sentToolResult{id: id, payload: payload})
	return nil
}

func (f *fakeTransport) SendToolError(_ context.Context, id, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toolErrors = append(f.toolErrors, sentToolError{id: id, message: message})
	return nil
}

func (f *fakeTransport) sent() ([][]byte, []sentToolResult, []sentToolError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.audio...),
		append([]sentToolResult(nil), f.results...),
		append([]sentToolError(nil), f.toolErrors...)
}

type fakeSink struct {
	mu     sync.Mutex
	calls  []string
	chunks [][]byte
}

func (f *fakeSink) StartPlayback(sampleRate, channels int) error {
	f.record(fmt.Sprintf("start:%d:%d", sampleRate, channels))
	return nil
}

func (f *fakeSink) Enqueue(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "enqueue")
	f.chunks = append(f.chunks, append([]byte(nil), pcm...))
	return nil
}

func (f *fakeSink) Finish() error { f.record("finish"); return nil }
func (f *fakeSink) Abort() error  { f.record("abort"); return nil }

func (f *fakeSink) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSink) snapshot() ([]string, [][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...), append([][]byte(nil), f.chunks...)
}

func (f *fakeSink) count(call string) int {
	calls, _ := f.snapshot()
	n := 0
	for _, c := range calls {
		if c == call {
			n++
		}
	}
	return n
}

type fakeCapture struct {
	available bool

	mu      sync.Mutex
	ch      chan []byte
	started []string
	stops   int
}

func (f *fakeCapture) Available() bool { return f.available }

func (f *fakeCapture) Start(_ context.Context, deviceHint string) (<-chan []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ch = make(chan []byte, 8)
	f.started = append(f.started, deviceHint)
	return f.ch, nil
}

func (f *fakeCapture) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeCapture) push(buf []byte) {
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()
	ch <- buf
}

type toolFunc func(ctx context.Context, req protocol.ToolRequest) (json.RawMessage, error)

func (f toolFunc) Execute(ctx context.Context, req protocol.ToolRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

type fakeArchiver struct {
	mu      sync.Mutex
	records []ConversationRecord
}

func (f *fakeArchiver) ArchiveConversation(_ context.Context, rec ConversationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeArchiver) list() []ConversationRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ConversationRecord(nil), f.records...)
}

type harness struct {
	t         *testing.T
	session   *Session
	transport *fakeTransport
	sink      *fakeSink
	capture   *fakeCapture
	archiver  *fakeArchiver
}

var testNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func newHarness(t *testing.T, configure ...func(*Dependencies)) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		transport: newFakeTransport(),
		sink:      &fakeSink{},
		capture:   &fakeCapture{available: true},
		archiver:  &fakeArchiver{},
	}
	n := 0
	deps := Dependencies{
		Transport: h.transport,
		Sink:      h.sink,
		Capture:   h.capture,
		Archiver:  h.archiver,
		Logger:    slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Now:       func() time.Time { return testNow },
		NewID: func() string {
			n++
			return fmt.Sprintf("entry-%d", n)
		},
	}
	for _, fn := range configure {
		fn(&deps)
	}
	s, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.session = s

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
			t.Errorf("session did not stop")
		}
	})
	return h
}

// send blocks until the loop has taken the event; a following snapshot
// request is served only after the event has been applied.
func (h *harness) send(raw string) {
	h.t.Helper()
	select {
	case h.transport.events <- []byte(raw):
	case <-time.After(2 * time.Second):
		h.t.Fatalf("timed out sending %s", raw)
	}
}

func (h *harness) snapshot() Snapshot {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := h.session.Snapshot(ctx)
	if err != nil {
		h.t.Fatalf("Snapshot() error = %v", err)
	}
	return snap
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
