package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/vango-go/vai-voice/pkg/voice/protocol"
)

const (
	CodeInvalidPayload = "invalid_tool_payload"
	CodeUnknownTool    = "unknown_tool"
	CodeToolFailed     = "tool_failed"
)

// Tool is a capability the client can run on behalf of the assistant.
type Tool interface {
	Name() string
	Description() string
	Run(ctx context.Context, input json.RawMessage) (any, error)
}

type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// request is the tool_request payload: {"name": "...", "input": {...}}.
type request struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Registry dispatches tool requests by name. It implements
// session.ToolExecutor.
type Registry struct {
	byName map[string]Tool
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{byName: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if t == nil {
			continue
		}
		r.byName[t.Name()] = t
	}
	return r
}

// Default returns a registry with the built-in tools.
func Default() *Registry {
	return NewRegistry(NewSystemInfo(), NewCurrentTime(), Echo{})
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.byName[name]
	return ok
}

func (r *Registry) Execute(ctx context.Context, req protocol.ToolRequest) (json.RawMessage, error) {
	if r == nil {
		return nil, &Error{Code: CodeUnknownTool, Message: "tool registry is not configured"}
	}
	var body request
	if err := json.Unmarshal(req.Payload, &body); err != nil {
		return nil, &Error{Code: CodeInvalidPayload, Message: "tool payload must be a json object", Err: err}
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		return nil, &Error{Code: CodeInvalidPayload, Message: "tool payload name is required"}
	}
	tool, ok := r.byName[name]
	if !ok {
		return nil, &Error{Code: CodeUnknownTool, Message: fmt.Sprintf("tool %q is not registered", name)}
	}

	out, err := tool.Run(ctx, body.Input)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &Error{Code: CodeToolFailed, Message: fmt.Sprintf("%s: %v", name, err), Err: err}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, &Error{Code: CodeToolFailed, Message: fmt.Sprintf("%s: encode result: %v", name, err), Err: err}
	}
	return data, nil
}

// decodeInput unmarshals optional tool input into v. Missing input leaves v untouched.
func decodeInput(input json.RawMessage, v any) error {
	trimmed := strings.TrimSpace(string(input))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if err := json.Unmarshal(input, v); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	return nil
}
