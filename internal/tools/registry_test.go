package tools

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"runtime"
	"testing"
	"time"

	"github.com/vango-go/vai-voice/pkg/voice/protocol"
)

func toolRequest(payload string) protocol.ToolRequest {
	return protocol.ToolRequest{ConversationID: "c1", ID: "t1", Payload: json.RawMessage(payload)}
}

func TestRegistry_NamesSorted(t *testing.T) {
	got := Default().Names()
	want := []string{NameCurrentTime, NameEcho, NameSystemInfo}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("names=%v, want %v", got, want)
	}
	if !Default().Has(NameEcho) || Default().Has("rm_rf") {
		t.Fatal("Has() mismatch")
	}
}

func TestRegistry_ExecuteEcho(t *testing.T) {
	out, err := Default().Execute(context.Background(), toolRequest(`{"name":"echo","input":{"text":"hi"}}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(out) != `{"text":"hi"}` {
		t.Fatalf("out=%s", out)
	}
}

func TestRegistry_ExecuteErrors(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		code    string
	}{
		{"not an object", `[1]`, CodeInvalidPayload},
		{"missing name", `{"input":{}}`, CodeInvalidPayload},
		{"unknown tool", `{"name":"format_disk"}`, CodeUnknownTool},
		{"tool failure", `{"name":"echo","input":{}}`, CodeToolFailed},
		{"bad input", `{"name":"echo","input":"text"}`, CodeToolFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Default().Execute(context.Background(), toolRequest(tc.payload))
			var toolErr *Error
			if !errors.As(err, &toolErr) {
				t.Fatalf("err=%v (%T), want *Error", err, err)
			}
			if toolErr.Code != tc.code {
				t.Fatalf("code=%q, want %q", toolErr.Code, tc.code)
			}
		})
	}
}

func TestRegistry_NilRegistry(t *testing.T) {
	var r *Registry
	if _, err := r.Execute(context.Background(), toolRequest(`{"name":"echo"}`)); err == nil {
		t.Fatal("expected error from nil registry")
	}
	if r.Names() != nil || r.Has(NameEcho) {
		t.Fatal("nil registry should be empty")
	}
}

type blockingTool struct{}

func (blockingTool) Name() string        { return "block" }
func (blockingTool) Description() string { return "blocks until cancelled" }
func (blockingTool) Run(ctx context.Context, _ json.RawMessage) (any, error) {
	<-ctx.Done()
	return nil, errors.New("gave up")
}

func TestRegistry_ContextErrorsPassThrough(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := NewRegistry(blockingTool{}).Execute(ctx, toolRequest(`{"name":"block"}`))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want deadline exceeded", err)
	}
}

func TestSystemInfo(t *testing.T) {
	tool := SystemInfo{hostname: func() (string, error) { return "box", nil }}
	out, err := tool.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	info := out.(systemInfoResult)
	if info.Hostname != "box" || info.OS != runtime.GOOS || info.CPUs < 1 {
		t.Fatalf("info=%+v", info)
	}
}

func TestCurrentTime(t *testing.T) {
	fixed := time.Date(2026, 5, 6, 12, 0, 0, 0, time.UTC)
	tool := CurrentTime{now: func() time.Time { return fixed }}

	out, err := tool.Run(context.Background(), json.RawMessage(`{"timezone":"UTC"}`))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	res := out.(currentTimeResult)
	if res.Time != "2026-05-06T12:00:00Z" || res.Unix != fixed.Unix() || res.Timezone != "UTC" {
		t.Fatalf("result=%+v", res)
	}

	if _, err := tool.Run(context.Background(), json.RawMessage(`{"timezone":"Mars/Olympus"}`)); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
	if _, err := tool.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run() without input error = %v", err)
	}
}
