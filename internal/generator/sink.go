package generator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrSinkClosed is returned when writing to a closed sink
var ErrSinkClosed = errors.New("sink closed")

// MemorySink keeps samples in memory, up to Limit samples (0 means unbounded)
type MemorySink struct {
	Limit int

	mu      sync.Mutex
	samples []int16
	writes  int
	closed  bool
}

// Write appends samples, dropping the oldest beyond Limit
func (m *MemorySink) Write(samples []int16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrSinkClosed
	}
	m.samples = append(m.samples, samples...)
	if m.Limit > 0 && len(m.samples) > m.Limit {
		m.samples = append(m.samples[:0], m.samples[len(m.samples)-m.Limit:]...)
	}
	m.writes++
	return nil
}

// Samples returns a copy of the stored samples
func (m *MemorySink) Samples() []int16 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]int16, len(m.samples))
	copy(out, m.samples)
	return out
}

// Writes returns the number of buffers written
func (m *MemorySink) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Closed reports whether Close was called
func (m *MemorySink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close marks the sink closed
func (m *MemorySink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// MemorySinkFactory always hands out the same sink
func MemorySinkFactory(sink *MemorySink) SinkFactory {
	return func(int) (Sink, error) {
		sink.mu.Lock()
		sink.closed = false
		sink.mu.Unlock()
		return sink, nil
	}
}

// WAVSink writes 16-bit mono PCM to a WAV file
type WAVSink struct {
	f          *os.File
	enc        *wav.Encoder
	sampleRate int
	buf        *audio.IntBuffer
	once       sync.Once
	closeErr   error
}

// NewWAVSink creates (or truncates) path and writes a WAV header for sampleRate
func NewWAVSink(path string, sampleRate int) (*WAVSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav: %w", err)
	}

	return &WAVSink{
		f:          f,
		enc:        wav.NewEncoder(f, sampleRate, 16, 1, 1),
		sampleRate: sampleRate,
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
			SourceBitDepth: 16,
		},
	}, nil
}

// Write encodes samples
func (w *WAVSink) Write(samples []int16) error {
	if cap(w.buf.Data) < len(samples) {
		w.buf.Data = make([]int, len(samples))
	}
	w.buf.Data = w.buf.Data[:len(samples)]
	for i, s := range samples {
		w.buf.Data[i] = int(s)
	}
	if err := w.enc.Write(w.buf); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	return nil
}

// Close finalizes the WAV header and closes the file
func (w *WAVSink) Close() error {
	w.once.Do(func() {
		w.closeErr = errors.Join(w.enc.Close(), w.f.Close())
	})
	return w.closeErr
}

// WAVSinkFactory opens a fresh WAV file at path on every start
func WAVSinkFactory(path string) SinkFactory {
	return func(sampleRate int) (Sink, error) {
		return NewWAVSink(path, sampleRate)
	}
}

// CommandSink pipes raw S16_LE mono PCM into a player process such as aplay
type CommandSink struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	raw   []byte
	once  sync.Once
	err   error
}

// NewCommandSink starts name with aplay-compatible raw PCM arguments
func NewCommandSink(name string, sampleRate int) (*CommandSink, error) {
	// aplay -f S16_LE -r <rate> -c 1 -t raw -q
	cmd := exec.Command(name,
		"-f", "S16_LE",
		"-r", strconv.Itoa(sampleRate),
		"-c", "1",
		"-t", "raw",
		"-q",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start playback: %w", err)
	}

	return &CommandSink{cmd: cmd, stdin: stdin}, nil
}

// Write sends samples as little-endian bytes
func (c *CommandSink) Write(samples []int16) error {
	if cap(c.raw) < 2*len(samples) {
		c.raw = make([]byte, 2*len(samples))
	}
	c.raw = c.raw[:2*len(samples)]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(c.raw[2*i:], uint16(s))
	}
	_, err := c.stdin.Write(c.raw)
	return err
}

// Close ends the input stream and waits for the player to exit
func (c *CommandSink) Close() error {
	c.once.Do(func() {
		c.err = errors.Join(c.stdin.Close(), c.cmd.Wait())
	})
	return c.err
}

// CommandSinkFactory starts a new player process on every start
func CommandSinkFactory(name string) SinkFactory {
	return func(sampleRate int) (Sink, error) {
		return NewCommandSink(name, sampleRate)
	}
}

// IsCommandAvailable checks if the player command is on PATH
func IsCommandAvailable(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
