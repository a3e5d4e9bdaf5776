// Package remote mirrors local audio state to the external sound device
package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-eqlink/internal/protocol"
)

// Config holds remote device client configuration
type Config struct {
	Addr         string        // host:port of the device (e.g., "192.168.100.98:8080")
	Timeout      time.Duration // Connect and I/O timeout per command
	BatchSpacing time.Duration // Minimum delay between commands of a batch
	QueueSize    int           // Pending mirror jobs before new ones are dropped
	Workers      int           // Concurrent senders
}

// DefaultConfig returns the reference device settings
func DefaultConfig() Config {
	return Config{
		Addr:         "192.168.100.98:8080",
		Timeout:      3 * time.Second,
		BatchSpacing: 60 * time.Millisecond,
		QueueSize:    32,
		Workers:      2,
	}
}

// Client sends single commands to the device.
// Each call opens its own connection; there is no session or pipelining.
type Client struct {
	cfg    Config
	logger *slog.Logger
	dialer net.Dialer

	// Stats
	commandsSent  atomic.Uint64
	commandErrors atomic.Uint64
	probes        atomic.Uint64
	probeFailures atomic.Uint64
}

// NewClient creates a new device client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		dialer: net.Dialer{Timeout: cfg.Timeout},
	}
}

// Send writes one command and reads at most one reply line.
// The reply is informational; a missing reply is not an error.
func (c *Client) Send(ctx context.Context, cmd protocol.Command) (string, error) {
	reply, err := c.send(ctx, cmd)
	if err != nil {
		c.commandErrors.Add(1)
		return "", fmt.Errorf("send %s: %w", cmd, err)
	}

	c.commandsSent.Add(1)
	c.logger.Debug("command sent", "command", cmd.String(), "reply", reply)
	return reply, nil
}

func (c *Client) send(ctx context.Context, cmd protocol.Command) (string, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return "", fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", fmt.Errorf("set deadline: %w", err)
	}

	if _, err := io.WriteString(conn, cmd.String()); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() && line == "" {
			// Device accepted the command but never answered
			return "", nil
		}
		return "", fmt.Errorf("read reply: %w", err)
	}

	return strings.TrimSpace(line), nil
}

// CheckConnection performs a bare connect/close probe with the command timeout
func (c *Client) CheckConnection(ctx context.Context) bool {
	c.probes.Add(1)

	conn, err := c.dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		c.probeFailures.Add(1)
		c.logger.Debug("device unreachable", "addr", c.cfg.Addr, "error", err)
		return false
	}
	conn.Close()
	return true
}

// Addr returns the device address
func (c *Client) Addr() string {
	return c.cfg.Addr
}

// ClientStats contains client statistics
type ClientStats struct {
	CommandsSent  uint64 `json:"commands_sent"`
	CommandErrors uint64 `json:"command_errors"`
	Probes        uint64 `json:"probes"`
	ProbeFailures uint64 `json:"probe_failures"`
}

// GetStats returns client statistics
func (c *Client) GetStats() ClientStats {
	return ClientStats{
		CommandsSent:  c.commandsSent.Load(),
		CommandErrors: c.commandErrors.Load(),
		Probes:        c.probes.Load(),
		ProbeFailures: c.probeFailures.Load(),
	}
}
