package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-eqlink/internal/control"
	"github.com/teslashibe/go-eqlink/internal/visualizer"
)

// WSHub manages WebSocket connections and broadcasts state and frames
type WSHub struct {
	manager *control.Manager
	reducer *visualizer.Reducer
	logger  *slog.Logger

	frameInterval time.Duration

	mu      sync.RWMutex
	clients map[*websocket.Conn]*client

	cancel context.CancelFunc
	done   chan struct{}
}

// client serializes writes to one connection
type client struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// NewWSHub creates a new WebSocket hub; frames are pushed at most streamHz times per second
func NewWSHub(manager *control.Manager, reducer *visualizer.Reducer, streamHz int, logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	if streamHz <= 0 {
		streamHz = 20
	}
	return &WSHub{
		manager:       manager,
		reducer:       reducer,
		logger:        logger,
		frameInterval: time.Second / time.Duration(streamHz),
		clients:       make(map[*websocket.Conn]*client),
		done:          make(chan struct{}),
	}
}

// Message represents a WebSocket message
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Run forwards snapshots and throttled frames to every client (blocking, use goroutine)
func (h *WSHub) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	defer close(h.done)

	states := h.manager.Subscribe()
	defer h.manager.Unsubscribe(states)
	frames := h.reducer.Subscribe()
	defer h.reducer.Unsubscribe(frames)

	throttle := visualizer.NewThrottle(h.frameInterval)
	defer throttle.Stop()

	h.logger.Info("websocket hub started")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("websocket hub stopped")
			return

		case snap, ok := <-states:
			if !ok {
				return
			}
			h.broadcast(Message{Type: "state", Data: snap})

		case frame, ok := <-frames:
			if !ok {
				return
			}
			if out, ok := throttle.Offer(frame); ok {
				h.broadcast(Message{Type: "frame", Data: out})
			}

		case <-throttle.C():
			if out, ok := throttle.Flush(); ok {
				h.broadcast(Message{Type: "frame", Data: out})
			}
		}
	}
}

func (h *WSHub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("websocket marshal error", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, cl := range h.clients {
		if err := cl.write(data); err != nil {
			// Will be cleaned up when connection closes
			h.logger.Debug("websocket write error", "error", err)
		}
	}
}

// UpgradeHandler returns the WebSocket upgrade handler
func (h *WSHub) UpgradeHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return websocket.New(h.handleConnection)(c)
		}

		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"error":   "WebSocket upgrade required",
			"message": "Connect via WebSocket to receive state and visualization frames",
		})
	}
}

func (h *WSHub) handleConnection(c *websocket.Conn) {
	cl := &client{conn: c}

	h.mu.Lock()
	h.clients[c] = cl
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("websocket client connected",
		"remote_addr", c.RemoteAddr().String(),
		"clients", clientCount,
	)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		clientCount := len(h.clients)
		h.mu.Unlock()

		h.logger.Info("websocket client disconnected",
			"remote_addr", c.RemoteAddr().String(),
			"clients", clientCount,
		)
	}()

	// New clients start from the current state
	h.send(cl, Message{Type: "state", Data: h.manager.Snapshot()})
	h.send(cl, Message{Type: "frame", Data: h.reducer.Frame()})

	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			// Connection closed
			break
		}

		h.handleCommand(cl, msg)
	}
}

func (h *WSHub) send(cl *client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("websocket marshal error", "error", err)
		return
	}
	if err := cl.write(data); err != nil {
		h.logger.Debug("websocket write error", "error", err)
	}
}

func (h *WSHub) handleCommand(cl *client, msg []byte) {
	var cmd struct {
		Type string `json:"type"`
	}

	if err := json.Unmarshal(msg, &cmd); err != nil {
		return
	}

	switch cmd.Type {
	case "ping":
		h.send(cl, Message{Type: "pong", Data: time.Now().Unix()})
	case "get_state":
		h.send(cl, Message{Type: "state", Data: h.manager.Snapshot()})
	case "get_stats":
		h.send(cl, Message{Type: "stats", Data: h.manager.GetStats()})
	}
}

// ClientCount returns the number of connected WebSocket clients
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close shuts down the WebSocket hub
func (h *WSHub) Close() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		<-h.done
	}

	// Close all client connections
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]*client)
	h.mu.Unlock()
}
