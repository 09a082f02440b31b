package wsclient

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Stats counts outbound traffic per lane.
type Stats struct {
	AudioSent    int64
	AudioDropped int64
	ToolFrames   int64
}

type laneStats struct {
	audioSent    atomic.Int64
	audioDropped atomic.Int64
	toolFrames   atomic.Int64
}

func (s *laneStats) snapshot() Stats {
	return Stats{
		AudioSent:    s.audioSent.Load(),
		AudioDropped: s.audioDropped.Load(),
		ToolFrames:   s.toolFrames.Load(),
	}
}

// outboundWriter is the only goroutine that writes to the connection. Tool
// frames are drained before every audio write, so a tool result waits behind
// at most the audio chunk already on the wire.
type outboundWriter struct {
	ws           wsWriter
	priority     <-chan []byte
	audio        <-chan []byte
	pingInterval time.Duration
	writeTimeout time.Duration
	stats        *laneStats
	logger       *slog.Logger
}

func (w *outboundWriter) run(ctx context.Context) error {
	if w.pingInterval <= 0 {
		w.pingInterval = defaultPingInterval
	}
	if w.writeTimeout <= 0 {
		w.writeTimeout = defaultWriteTimeout
	}
	if w.stats == nil {
		w.stats = &laneStats{}
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}

	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			w.shutdown()
			return nil
		}
		if err := w.drainTools(); err != nil {
			return err
		}
		if w.priority == nil && w.audio == nil {
			return nil
		}

		select {
		case <-ctx.Done():
		case <-ticker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(w.writeTimeout)); err != nil {
				return err
			}
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeTool(frame); err != nil {
				return err
			}
		case frame, ok := <-w.audio:
			if !ok {
				w.audio = nil
				continue
			}
			if err := w.drainTools(); err != nil {
				return err
			}
			if err := w.write(frame); err != nil {
				return err
			}
			w.stats.audioSent.Add(1)
		}
	}
}

// drainTools writes every tool frame that is already queued.
func (w *outboundWriter) drainTools() error {
	for w.priority != nil {
		select {
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				return nil
			}
			if err := w.writeTool(frame); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return nil
}

// shutdown flushes a bounded number of queued tool frames, discards queued
// microphone audio and sends a normal close.
func (w *outboundWriter) shutdown() {
	flushTimeout := min(w.writeTimeout, 100*time.Millisecond)
	deadline := time.Now().Add(flushTimeout)
	for i := 0; w.priority != nil && i < maxShutdownFlushFrames && time.Now().Before(deadline); i++ {
		select {
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				break
			}
			_ = w.writeTool(frame)
		default:
			i = maxShutdownFlushFrames
		}
	}

	discarded := 0
	for w.audio != nil {
		select {
		case _, ok := <-w.audio:
			if !ok {
				w.audio = nil
				break
			}
			discarded++
		default:
			w.audio = nil
		}
	}
	if discarded > 0 {
		w.stats.audioDropped.Add(int64(discarded))
		w.logger.Debug("discarding queued audio on close", "chunks", discarded)
	}

	_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(w.writeTimeout))
	_ = w.ws.Close()
}

func (w *outboundWriter) writeTool(frame []byte) error {
	if err := w.write(frame); err != nil {
		return err
	}
	w.stats.toolFrames.Add(1)
	return nil
}

func (w *outboundWriter) write(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, frame)
}
