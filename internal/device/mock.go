// Package device provides an in-process stand-in for the remote sound device.
// It speaks the same text protocol as the firmware and records what it receives.
package device

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/go-eqlink/internal/protocol"
)

// Received is a command as seen by the mock device
type Received struct {
	Command protocol.Command
	At      time.Time
}

// State is the device state rebuilt from received commands
type State struct {
	Volume  int                `json:"volume"`
	Playing bool               `json:"playing"`
	Gains   map[string]float64 `json:"gains"`
}

// Mock is a TCP server that behaves like the remote device
type Mock struct {
	ln     net.Listener
	logger *slog.Logger

	mu       sync.Mutex
	received []Received
	state    State
	silent   bool
	delay    time.Duration
	conns    int

	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

// NewMock starts a mock device listening on addr (use "127.0.0.1:0" for tests)
func NewMock(addr string, logger *slog.Logger) (*Mock, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	m := &Mock{
		ln:     ln,
		logger: logger,
		state:  State{Gains: make(map[string]float64)},
		closed: make(chan struct{}),
	}

	m.wg.Add(1)
	go m.serve()

	logger.Info("mock device listening", "addr", ln.Addr().String())
	return m, nil
}

// Addr returns the listening address
func (m *Mock) Addr() string {
	return m.ln.Addr().String()
}

func (m *Mock) serve() {
	defer m.wg.Done()

	for {
		conn, err := m.ln.Accept()
		if err != nil {
			select {
			case <-m.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Debug("mock accept error", "error", err)
			continue
		}

		m.wg.Add(1)
		go m.handle(conn)
	}
}

func (m *Mock) handle(conn net.Conn) {
	defer m.wg.Done()
	defer conn.Close()

	m.mu.Lock()
	m.conns++
	silent := m.silent
	delay := m.delay
	m.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	// Commands are small and written in one call without a terminator
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if n == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			m.logger.Debug("mock read error", "error", err)
		}
		return
	}

	line := strings.TrimSpace(string(buf[:n]))
	cmd, err := protocol.Parse(line)
	if err != nil {
		fmt.Fprintf(conn, "ERR %s\n", line)
		return
	}

	m.record(cmd)

	if delay > 0 {
		time.Sleep(delay)
	}
	if silent {
		return
	}

	fmt.Fprintf(conn, "OK %s\n", cmd)
}

func (m *Mock) record(cmd protocol.Command) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.received = append(m.received, Received{Command: cmd, At: time.Now()})

	switch {
	case cmd.Name == protocol.NameVolume:
		if v, err := strconv.Atoi(cmd.Value); err == nil {
			m.state.Volume = v
		}
	case cmd.Name == protocol.NamePlay:
		m.state.Playing = cmd.Value == "1"
	case cmd.IsEqualizer():
		if v, err := cmd.Float(); err == nil {
			m.state.Gains[cmd.Name] = v
		}
	}
}

// Received returns every command received so far in arrival order
func (m *Mock) Received() []Received {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Received, len(m.received))
	copy(out, m.received)
	return out
}

// Commands returns the wire form of every received command
func (m *Mock) Commands() []string {
	received := m.Received()
	out := make([]string, len(received))
	for i, r := range received {
		out[i] = r.Command.String()
	}
	return out
}

// WaitFor blocks until at least n commands arrived or the timeout expires
func (m *Mock) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		got := len(m.received)
		m.mu.Unlock()

		if got >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// State returns a copy of the device state
func (m *Mock) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	gains := make(map[string]float64, len(m.state.Gains))
	for k, v := range m.state.Gains {
		gains[k] = v
	}
	return State{Volume: m.state.Volume, Playing: m.state.Playing, Gains: gains}
}

// Connections returns the number of accepted connections, probes included
func (m *Mock) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns
}

// SetSilent makes the device accept commands without replying
func (m *Mock) SetSilent(silent bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.silent = silent
}

// SetDelay delays every reply
func (m *Mock) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Close stops the listener and waits for open connections
func (m *Mock) Close() error {
	var err error
	m.once.Do(func() {
		close(m.closed)
		err = m.ln.Close()
		m.wg.Wait()
	})
	return err
}
