package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voice/pkg/voice/protocol"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultPingInterval      = 20 * time.Second
	defaultOutboundQueueSize = 128
	priorityQueueSize        = 8
	maxShutdownFlushFrames   = 8
	eventBufferSize          = 64
)

var (
	ErrClosed       = errors.New("wsclient: connection closed")
	ErrBackpressure = errors.New("wsclient: outbound audio queue full")
)

type Config struct {
	URL               string
	APIKey            string
	Header            http.Header
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	// ReadTimeout closes the connection when neither data nor a pong arrives
	// in time. Zero disables it.
	ReadTimeout       time.Duration
	MaxMessageBytes   int64
	OutboundQueueSize int
	Logger            *slog.Logger
}

// TransportError wraps failures to reach the service.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURL(e.URL), e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Client is a websocket connection to the assistant service. It implements
// session.Transport.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	events   chan []byte
	priority chan []byte
	normal   chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	seqMu sync.Mutex
	seq   int64
	stats laneStats

	readDone   chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	errMu sync.Mutex
	err   error
}

func Dial(ctx context.Context, cfg Config) (*Client, error) {
	target := strings.TrimSpace(cfg.URL)
	if target == "" {
		return nil, fmt.Errorf("server url is required")
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	target = u.String()

	headers := make(http.Header)
	for k, v := range cfg.Header {
		headers[k] = append([]string(nil), v...)
	}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		headers.Set("Authorization", "Bearer "+key)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, target, headers)
	if err != nil {
		if resp != nil {
			return nil, &TransportError{Op: "GET", URL: target, Err: fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)}
		}
		return nil, &TransportError{Op: "GET", URL: target, Err: err}
	}
	return newClient(conn, cfg), nil
}

func newClient(conn *websocket.Conn, cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = defaultOutboundQueueSize
	}
	if cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(cfg.MaxMessageBytes)
	}
	if cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:       conn,
		logger:     cfg.Logger,
		events:     make(chan []byte, eventBufferSize),
		priority:   make(chan []byte, min(cfg.OutboundQueueSize, priorityQueueSize)),
		normal:     make(chan []byte, cfg.OutboundQueueSize),
		ctx:        ctx,
		cancel:     cancel,
		readDone:   make(chan struct{}),
		writerDone: make(chan struct{}),
	}

	go c.readLoop(cfg.ReadTimeout)
	go func() {
		defer close(c.writerDone)
		w := outboundWriter{
			ws:           conn,
			priority:     c.priority,
			audio:        c.normal,
			pingInterval: cfg.PingInterval,
			writeTimeout: cfg.WriteTimeout,
			stats:        &c.stats,
			logger:       c.logger,
		}
		if err := w.run(ctx); err != nil {
			c.setErr(fmt.Errorf("write: %w", err))
			c.cancel()
			_ = conn.Close()
		}
	}()
	return c
}

// Events yields raw inbound text frames in arrival order. It is closed when
// the connection ends.
func (c *Client) Events() <-chan []byte { return c.events }

// SendAudioChunk queues pcm on the normal lane. It never blocks; a full queue
// drops the chunk and returns ErrBackpressure. Sequence numbers are only
// consumed by queued chunks.
func (c *Client) SendAudioChunk(ctx context.Context, pcm []byte) error {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()

	data, err := json.Marshal(protocol.NewClientAudioChunk(c.seq+1, pcm))
	if err != nil {
		return err
	}
	select {
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case c.normal <- data:
		c.seq++
		return nil
	default:
		if n := c.stats.audioDropped.Add(1); n == 1 || n%100 == 0 {
			c.logger.Warn("outbound audio queue full, dropping chunk", "dropped_total", n)
		}
		return ErrBackpressure
	}
}

// Stats reports outbound lane counters since the connection opened.
func (c *Client) Stats() Stats {
	return c.stats.snapshot()
}

func (c *Client) SendToolResult(ctx context.Context, id string, payload json.RawMessage) error {
	msg := protocol.ClientToolResult{Type: protocol.CommandToolResult, ToolCallID: id, Payload: payload}
	if err := protocol.ValidateToolResult(msg); err != nil {
		return err
	}
	return c.sendPriority(ctx, msg)
}

func (c *Client) SendToolError(ctx context.Context, id string, message string) error {
	msg := protocol.ClientToolError{Type: protocol.CommandToolError, ToolCallID: id, Message: message}
	if err := protocol.ValidateToolError(msg); err != nil {
		return err
	}
	return c.sendPriority(ctx, msg)
}

func (c *Client) sendPriority(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.priority <- data:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close sends a normal close frame and waits for both loops to exit.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.writerDone
		_ = c.conn.Close()
	})
	<-c.readDone
	return nil
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Client) readLoop(readTimeout time.Duration) {
	defer close(c.readDone)
	defer close(c.events)
	defer c.cancel()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket closed")
				return
			}
			c.logger.Warn("websocket read failed", "error", err)
			c.setErr(fmt.Errorf("read: %w", err))
			return
		}
		if readTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		if messageType != websocket.TextMessage {
			c.logger.Debug("ignoring non-text frame", "message_type", messageType, "bytes", len(data))
			continue
		}
		select {
		case c.events <- data:
		case <-c.ctx.Done():
			return
		}
	}
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User("redacted")
	return u.String()
}
