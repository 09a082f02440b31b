package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-voice/internal/archive"
	"github.com/vango-go/vai-voice/internal/audio"
	"github.com/vango-go/vai-voice/internal/config"
	"github.com/vango-go/vai-voice/pkg/voice/session"
	"github.com/vango-go/vai-voice/pkg/voice/wsclient"
)

type fakeTransport struct {
	events chan []byte
	err    error

	mu      sync.Mutex
	results map[string]string
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan []byte), results: map[string]string{}}
}

func (f *fakeTransport) Events() <-chan []byte                        { return f.events }
func (f *fakeTransport) SendAudioChunk(context.Context, []byte) error { return nil }
func (f *fakeTransport) SendToolResult(_ context.Context, id string, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[id] = string(payload)
	return nil
}
func (f *fakeTransport) SendToolError(_ context.Context, id, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[id] = "error: " + message
	return nil
}
func (f *fakeTransport) Err() error { return f.err }
func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) result(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[id]
	return r, ok
}

type silentSink struct{}

func (silentSink) StartPlayback(int, int) error { return nil }
func (silentSink) Enqueue([]byte) error         { return nil }
func (silentSink) Finish() error                { return nil }
func (silentSink) Abort() error                 { return nil }
func (silentSink) Available() bool              { return true }
func (silentSink) Close() error                 { return nil }

type noMic struct{}

func (noMic) Available() bool { return false }
func (noMic) Start(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("no microphone")
}
func (noMic) Stop() error { return nil }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		ServerURL:         "ws://voice.test/v1/live",
		LogLevel:          "error",
		ToolTimeout:       time.Second,
		ConnectTimeout:    time.Second,
		WriteTimeout:      time.Second,
		PingInterval:      time.Second,
		OutboundQueueSize: 8,
		ArchiveDriver:     config.ArchiveSQLite,
		ArchiveDSN:        filepath.Join(t.TempDir(), "history", "archive.db"),
		MicSampleRate:     16000,
	}
}

func testDeps(cfg config.Config, transport *fakeTransport) appDeps {
	return appDeps{
		loadConfig: func(config.LoadOptions) (config.Config, error) { return cfg, nil },
		dial: func(context.Context, wsclient.Config) (voiceTransport, error) {
			if transport == nil {
				return nil, errors.New("dial should not be called")
			}
			return transport, nil
		},
		newCapture:   func(audio.CaptureConfig) session.CaptureSource { return noMic{} },
		newSink:      func(audio.SinkConfig) playbackSink { return silentSink{} },
		openArchive:  openArchive,
		signalNotify: func(chan<- os.Signal, ...os.Signal) {},
		signalStop:   func(chan<- os.Signal) {},
	}
}

func sendEvent(t *testing.T, tr *fakeTransport, raw string) {
	t.Helper()
	select {
	case tr.events <- []byte(raw):
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not accept event %s", raw)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *lockedBuffer) waitFor(t *testing.T, substr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(b.String(), substr) {
		if time.Now().After(deadline) {
			t.Fatalf("output never contained %q:\n%s", substr, b.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type runResult struct {
	code   int
	stderr string
}

func startRun(t *testing.T, deps appDeps, args ...string) (*io.PipeWriter, *lockedBuffer, <-chan runResult) {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	t.Cleanup(func() { _ = stdinW.Close() })
	stdout := &lockedBuffer{}
	done := make(chan runResult, 1)
	go func() {
		var stderr bytes.Buffer
		code := runMain(context.Background(), args, stdinR, stdout, &stderr, deps)
		done <- runResult{code: code, stderr: stderr.String()}
	}()
	return stdinW, stdout, done
}

func waitRun(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("run did not exit")
		return runResult{}
	}
}

func TestRunMain_ConfigErrorExitsNonZero(t *testing.T) {
	deps := testDeps(config.Config{}, nil)
	deps.loadConfig = func(config.LoadOptions) (config.Config, error) { return config.Config{}, errors.New("boom") }

	var stderr bytes.Buffer
	code := runMain(context.Background(), []string{"run"}, strings.NewReader(""), io.Discard, &stderr, deps)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "boom")
}

func TestRun_RequiresServerURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.ServerURL = ""
	var stderr bytes.Buffer
	code := runMain(context.Background(), []string{"run"}, strings.NewReader(""), io.Discard, &stderr, testDeps(cfg, nil))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "VAI_VOICE_SERVER_URL")
}

func TestRun_ConversationIsRenderedArchivedAndListed(t *testing.T) {
	cfg := testConfig(t)
	tr := newFakeTransport()
	stdin, stdout, done := startRun(t, testDeps(cfg, tr), "run")

	sendEvent(t, tr, `{"type":"conversation_started","conversation_id":"c1"}`)
	sendEvent(t, tr, `{"type":"final_transcript","conversation_id":"c1","text":"hello"}`)
	sendEvent(t, tr, `{"type":"token","conversation_id":"c1","text":"Hi "}`)
	sendEvent(t, tr, `{"type":"token","conversation_id":"c1","text":"there"}`)
	sendEvent(t, tr, `{"type":"tool_request","conversation_id":"c1","tool_call_id":"t1","payload":{"name":"echo","input":{"text":"ping"}}}`)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if r, ok := tr.result("t1"); ok {
			assert.JSONEq(t, `{"text":"ping"}`, r)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("tool result never sent")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stdout.waitFor(t, "you: hello")
	stdout.waitFor(t, "assistant: Hi there")

	_, err := io.WriteString(stdin, "/bogus\n/clear\n/quit\n")
	require.NoError(t, err)

	res := waitRun(t, done)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, stdout.String(), `unknown command "/bogus"`)
	assert.True(t, tr.closed)

	var list bytes.Buffer
	code := runMain(context.Background(), []string{"history", "list", "-f", "json"}, nil, &list, io.Discard, testDeps(cfg, nil))
	require.Equal(t, 0, code)
	var sums []archive.Summary
	require.NoError(t, json.Unmarshal(list.Bytes(), &sums))
	require.Len(t, sums, 1)
	assert.Equal(t, "c1", sums[0].ConversationID)
	assert.Equal(t, session.EndCleared, sums[0].EndReason)
	assert.Equal(t, 2, sums[0].EntryCount)

	var show bytes.Buffer
	code = runMain(context.Background(), []string{"history", "show", "c1", "--format", "yaml"}, nil, &show, io.Discard, testDeps(cfg, nil))
	require.Equal(t, 0, code)
	assert.Contains(t, show.String(), "conversation_id: c1")
	assert.Contains(t, show.String(), "text: Hi there")

	var text bytes.Buffer
	code = runMain(context.Background(), []string{"history", "show", "c1"}, nil, &text, io.Discard, testDeps(cfg, nil))
	require.Equal(t, 0, code)
	assert.Contains(t, text.String(), "conversation c1")
	assert.Contains(t, text.String(), "you: hello")
}

func TestRun_DisconnectExitsWithError(t *testing.T) {
	cfg := testConfig(t)
	cfg.ArchiveDriver = config.ArchiveNone
	tr := newFakeTransport()
	tr.err = errors.New("read tcp: connection reset")
	_, _, done := startRun(t, testDeps(cfg, tr), "run")

	close(tr.events)
	res := waitRun(t, done)
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "connection reset")
}

func TestRun_StdinEOFShutsDown(t *testing.T) {
	cfg := testConfig(t)
	cfg.ArchiveDriver = config.ArchiveNone
	tr := newFakeTransport()
	stdin, stdout, done := startRun(t, testDeps(cfg, tr), "run")
	stdout.waitFor(t, "state: idle")
	require.NoError(t, stdin.Close())

	res := waitRun(t, done)
	assert.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, stdout.String(), "commands:")
}

func TestRun_PassesTransportSettingsToDial(t *testing.T) {
	cfg := testConfig(t)
	cfg.ArchiveDriver = config.ArchiveNone
	cfg.ReadTimeout = 45 * time.Second
	cfg.MaxMessageBytes = 2048
	tr := newFakeTransport()
	deps := testDeps(cfg, tr)
	dialed := make(chan wsclient.Config, 1)
	deps.dial = func(_ context.Context, wc wsclient.Config) (voiceTransport, error) {
		dialed <- wc
		return tr, nil
	}

	stdin, stdout, done := startRun(t, deps, "run")
	stdout.waitFor(t, "state: idle")
	require.NoError(t, stdin.Close())
	require.Equal(t, 0, waitRun(t, done).code)

	wc := <-dialed
	assert.Equal(t, cfg.ServerURL, wc.URL)
	assert.Equal(t, 45*time.Second, wc.ReadTimeout)
	assert.Equal(t, int64(2048), wc.MaxMessageBytes)
	assert.Equal(t, cfg.OutboundQueueSize, wc.OutboundQueueSize)
}

func TestHistory_ArchiveDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.ArchiveDriver = config.ArchiveNone
	var stderr bytes.Buffer
	code := runMain(context.Background(), []string{"history", "list"}, nil, io.Discard, &stderr, testDeps(cfg, nil))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "archive is disabled")
}

func TestHistory_ShowMissing(t *testing.T) {
	var stderr bytes.Buffer
	code := runMain(context.Background(), []string{"history", "show", "nope"}, nil, io.Discard, &stderr, testDeps(testConfig(t), nil))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), `no archived conversation "nope"`)
}

func TestHistory_EmptyTableAndBadFormat(t *testing.T) {
	cfg := testConfig(t)
	var out bytes.Buffer
	code := runMain(context.Background(), []string{"history", "list"}, nil, &out, io.Discard, testDeps(cfg, nil))
	require.Equal(t, 0, code)
	assert.Contains(t, out.String(), "No archived conversations.")

	var stderr bytes.Buffer
	code = runMain(context.Background(), []string{"history", "list", "-f", "xml"}, nil, io.Discard, &stderr, testDeps(cfg, nil))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "unsupported format")
}

func TestWriteSummaryTable(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeSummaryTable(&out, []archive.Summary{
		{ConversationID: "c1", EndedAt: time.Date(2026, 4, 1, 8, 0, 0, 0, time.Local), EndReason: "cleared", EntryCount: 3},
	}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "CONVERSATION"))
	assert.Contains(t, lines[1], "2026-04-01 08:00:00")
	assert.Contains(t, lines[1], "cleared")
}
