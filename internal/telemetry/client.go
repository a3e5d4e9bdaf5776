// Package telemetry mirrors state snapshots and visualization frames to a
// remote collector over WebSocket
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-eqlink/internal/control"
	"github.com/teslashibe/go-eqlink/internal/visualizer"
)

// Message types
const (
	TypeState = "state"
	TypeFrame = "frame"
	TypePing  = "ping"
	TypePong  = "pong"
)

var (
	ErrNotConnected = errors.New("telemetry: not connected")
	ErrQueueFull    = errors.New("telemetry: outbox full")
)

// Config holds uplink configuration
type Config struct {
	URL              string        // Collector URL (e.g., "ws://collector.local:9000/ingest")
	ReconnectBackoff time.Duration // Initial reconnect delay
	MaxBackoff       time.Duration // Maximum reconnect delay
	PingInterval     time.Duration // Keepalive ping interval
	WriteTimeout     time.Duration // Per-message write deadline
	FrameInterval    time.Duration // Minimum spacing between forwarded frames
	QueueSize        int           // Outbox capacity
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		ReconnectBackoff: 1 * time.Second,
		MaxBackoff:       30 * time.Second,
		PingInterval:     10 * time.Second,
		WriteTimeout:     5 * time.Second,
		FrameInterval:    200 * time.Millisecond,
		QueueSize:        64,
	}
}

// Envelope is the wire format of every uplink message
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Client keeps a WebSocket connection to the collector alive and
// drains an outbox onto it
type Client struct {
	cfg    Config
	logger *slog.Logger

	outbox chan []byte

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}

	// Stats
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	publishFailures  atomic.Uint64
	framesSkipped    atomic.Uint64
	reconnects       atomic.Uint64
}

// NewClient creates a new uplink client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "telemetry"),
		outbox: make(chan []byte, cfg.QueueSize),
	}
}

// Connect starts the connection loop in the background
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.URL == "" {
		return fmt.Errorf("telemetry: no collector url")
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.connectionLoop(ctx)
	}()
	return nil
}

// connectionLoop manages connection with auto-reconnect
func (c *Client) connectionLoop(ctx context.Context) {
	backoff := c.cfg.ReconnectBackoff

	for {
		select {
		case <-ctx.Done():
			c.closeConnection()
			return
		default:
		}

		conn, err := c.connect(ctx)
		if err != nil {
			c.logger.Warn("collector connection failed",
				"error", err,
				"retry_in", backoff,
			)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}

			// Exponential backoff
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			c.reconnects.Add(1)
			continue
		}

		// Reset backoff on successful connection
		backoff = c.cfg.ReconnectBackoff

		connCtx, connCancel := context.WithCancel(ctx)
		go func() {
			<-connCtx.Done()
			conn.Close()
		}()
		go c.pingLoop(connCtx, conn)
		go c.writeLoop(connCtx, conn)

		c.readLoop(conn)
		connCancel()
		c.closeConnection()
	}
}

// connect dials the collector
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.logger.Info("connecting to collector", "url", c.cfg.URL)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("connected to collector")
	return conn, nil
}

// pingLoop sends periodic pings
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// writeLoop is the only writer of data frames on conn
func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.outbox:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.publishFailures.Add(1)
				c.logger.Warn("send error", "error", err)
				// Unblocks readLoop, which triggers a reconnect
				conn.Close()
				return
			}
			c.messagesSent.Add(1)
		}
	}
}

// readLoop reads messages until the connection fails
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Warn("read error", "error", err)
			return
		}

		c.messagesReceived.Add(1)
		c.handleMessage(data)
	}
}

// handleMessage processes incoming messages
func (c *Client) handleMessage(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("parse message error", "error", err)
		return
	}

	switch env.Type {
	case TypePing:
		if err := c.Publish(TypePong, nil); err != nil {
			c.logger.Debug("pong dropped", "error", err)
		}
	default:
		c.logger.Debug("ignoring collector message", "type", env.Type)
	}
}

// Publish queues one envelope for the collector. It never blocks:
// when disconnected or backed up the message is dropped and counted.
func (c *Client) Publish(msgType string, data any) error {
	env := Envelope{Type: msgType, Timestamp: time.Now().UnixMilli()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			c.publishFailures.Add(1)
			return fmt.Errorf("marshal: %w", err)
		}
		env.Data = raw
	}

	payload, err := json.Marshal(env)
	if err != nil {
		c.publishFailures.Add(1)
		return fmt.Errorf("marshal: %w", err)
	}

	if !c.IsConnected() {
		c.publishFailures.Add(1)
		return ErrNotConnected
	}

	select {
	case c.outbox <- payload:
		return nil
	default:
		c.publishFailures.Add(1)
		return ErrQueueFull
	}
}

// Forward publishes every snapshot and at most one frame per
// FrameInterval until ctx is cancelled or both channels close.
// The newest frame of an interval is sent when the interval ends;
// neutral frames are sent at once.
func (c *Client) Forward(ctx context.Context, states <-chan control.Snapshot, frames <-chan visualizer.Frame) {
	throttle := visualizer.NewThrottle(c.cfg.FrameInterval)
	defer throttle.Stop()

	for states != nil || frames != nil {
		select {
		case <-ctx.Done():
			return

		case s, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			if err := c.Publish(TypeState, s); err != nil {
				c.logger.Debug("state not forwarded", "error", err, "version", s.Version)
			}

		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			if throttle.Pending() {
				c.framesSkipped.Add(1)
			}
			if out, ok := throttle.Offer(f); ok {
				c.publishFrame(out)
			}

		case <-throttle.C():
			if out, ok := throttle.Flush(); ok {
				c.publishFrame(out)
			}
		}
	}
}

func (c *Client) publishFrame(f visualizer.Frame) {
	if err := c.Publish(TypeFrame, f); err != nil {
		c.logger.Debug("frame not forwarded", "error", err, "seq", f.Seq)
	}
}

// closeConnection closes the WebSocket connection
func (c *Client) closeConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close shuts down the client and waits for the connection loop to exit
func (c *Client) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.closeConnection()
	if done != nil {
		<-done
	}
	return nil
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Stats returns client statistics
type Stats struct {
	Connected        bool   `json:"connected"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	PublishFailures  uint64 `json:"publish_failures"`
	FramesSkipped    uint64 `json:"frames_skipped"`
	Reconnects       uint64 `json:"reconnects"`
}

// GetStats returns client statistics
func (c *Client) GetStats() Stats {
	return Stats{
		Connected:        c.IsConnected(),
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		PublishFailures:  c.publishFailures.Load(),
		FramesSkipped:    c.framesSkipped.Load(),
		Reconnects:       c.reconnects.Load(),
	}
}
