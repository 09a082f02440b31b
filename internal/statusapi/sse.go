package statusapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, flusher: f}, nil
}

func (sw *sseWriter) send(event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	if _, err := fmt.Fprintf(sw.w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", b); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// ping writes an SSE comment line so idle proxies keep the stream open.
func (sw *sseWriter) ping() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := fmt.Fprint(sw.w, ": ping\n\n"); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}
