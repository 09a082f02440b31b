package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

const (
	NameSystemInfo  = "system_info"
	NameCurrentTime = "current_time"
	NameEcho        = "echo"
)

type SystemInfo struct {
	hostname func() (string, error)
}

func NewSystemInfo() SystemInfo {
	return SystemInfo{hostname: os.Hostname}
}

func (SystemInfo) Name() string { return NameSystemInfo }
func (SystemInfo) Description() string {
	return "Reports the operating system, architecture, hostname and CPU count of this machine."
}

type systemInfoResult struct {
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Hostname  string `json:"hostname,omitempty"`
	CPUs      int    `json:"cpus"`
	GoVersion string `json:"go_version"`
}

func (t SystemInfo) Run(context.Context, json.RawMessage) (any, error) {
	out := systemInfoResult{
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		CPUs:      runtime.NumCPU(),
		GoVersion: runtime.Version(),
	}
	if t.hostname != nil {
		if host, err := t.hostname(); err == nil {
			out.Hostname = host
		}
	}
	return out, nil
}

type CurrentTime struct {
	now func() time.Time
}

func NewCurrentTime() CurrentTime {
	return CurrentTime{now: time.Now}
}

func (CurrentTime) Name() string { return NameCurrentTime }
func (CurrentTime) Description() string {
	return "Returns the current time, optionally in an IANA timezone such as Europe/Paris."
}

type currentTimeInput struct {
	Timezone string `json:"timezone"`
}

type currentTimeResult struct {
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
	Unix     int64  `json:"unix"`
}

func (t CurrentTime) Run(_ context.Context, input json.RawMessage) (any, error) {
	var in currentTimeInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	now := time.Now
	if t.now != nil {
		now = t.now
	}
	loc := time.Local
	if tz := strings.TrimSpace(in.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", tz)
		}
		loc = l
	}
	ts := now().In(loc)
	return currentTimeResult{
		Time:     ts.Format(time.RFC3339),
		Timezone: loc.String(),
		Unix:     ts.Unix(),
	}, nil
}

// Echo returns its text input unchanged.
type Echo struct{}

func (Echo) Name() string        { return NameEcho }
func (Echo) Description() string { return "Returns the given text." }

type echoPayload struct {
	Text string `json:"text"`
}

func (Echo) Run(_ context.Context, input json.RawMessage) (any, error) {
	var in echoPayload
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.Text == "" {
		return nil, errors.New("text is required")
	}
	return echoPayload{Text: in.Text}, nil
}
