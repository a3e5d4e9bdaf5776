// Package generator synthesizes a continuous sine test tone
package generator

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds generator configuration
type Config struct {
	SampleRate   int     // Output sample rate in Hz (default: 44100)
	BufferSize   int     // Samples per buffer written to the sink
	MinFrequency float64 // Lowest accepted tone frequency
	MaxFrequency float64 // Highest accepted tone frequency
	Paced        bool    // Throttle writes to real time for sinks that never block
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		SampleRate:   44100,
		BufferSize:   2048,
		MinFrequency: 20,
		MaxFrequency: 20000,
		Paced:        true,
	}
}

// State is the generator state read by the worker once per buffer
type State struct {
	FrequencyHz float64 `json:"frequency_hz"`
	Amplitude   float64 `json:"amplitude"`
	Enabled     bool    `json:"enabled"`
}

// DefaultState is the state before the first start
func DefaultState() State {
	return State{FrequencyHz: 1000, Amplitude: 0.5}
}

// Sink receives 16-bit mono PCM buffers
type Sink interface {
	Write(samples []int16) error
	Close() error
}

// SinkFactory opens a sink for the given sample rate
type SinkFactory func(sampleRate int) (Sink, error)

// Generator runs a dedicated synthesis worker while enabled
type Generator struct {
	cfg     Config
	logger  *slog.Logger
	newSink SinkFactory

	// Frequency, amplitude and enabled are swapped together so the
	// worker never sees a mix of old and new values within a buffer.
	state atomic.Pointer[State]

	mu   sync.Mutex
	sink Sink
	done chan struct{}

	onFailure atomic.Pointer[func(error)]

	// Stats
	buffersWritten atomic.Uint64
	writeErrors    atomic.Uint64
	starts         atomic.Uint64
}

// New creates a generator writing to sinks from newSink
func New(cfg Config, newSink SinkFactory, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultConfig().SampleRate
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.MaxFrequency <= cfg.MinFrequency {
		cfg.MinFrequency = DefaultConfig().MinFrequency
		cfg.MaxFrequency = DefaultConfig().MaxFrequency
	}

	g := &Generator{
		cfg:     cfg,
		logger:  logger,
		newSink: newSink,
	}
	st := DefaultState()
	g.state.Store(&st)

	return g
}

// Start stops any previous run and starts a tone
func (g *Generator) Start(frequencyHz, amplitude float64) error {
	g.Stop()

	g.mu.Lock()
	defer g.mu.Unlock()

	sink, err := g.newSink(g.cfg.SampleRate)
	if err != nil {
		return fmt.Errorf("open sink: %w", err)
	}

	st := State{
		FrequencyHz: g.clampFrequency(frequencyHz),
		Amplitude:   clampAmplitude(amplitude),
		Enabled:     true,
	}
	g.state.Store(&st)

	g.sink = sink
	g.done = make(chan struct{})
	g.starts.Add(1)

	go g.loop(sink, g.done)

	g.logger.Info("signal generator started",
		"frequency_hz", st.FrequencyHz,
		"amplitude", st.Amplitude,
		"sample_rate", g.cfg.SampleRate,
	)

	return nil
}

// loop fills and writes buffers until the state is disabled
func (g *Generator) loop(sink Sink, done chan struct{}) {
	defer close(done)

	buf := make([]int16, g.cfg.BufferSize)
	phase := 0.0

	var tick <-chan time.Time
	if g.cfg.Paced {
		ticker := time.NewTicker(g.BufferDuration())
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		st := g.state.Load()
		if !st.Enabled {
			return
		}

		phase = Fill(buf, *st, g.cfg.SampleRate, phase)

		if err := sink.Write(buf); err != nil {
			g.writeErrors.Add(1)
			g.logger.Warn("signal generator write failed", "error", err)
			g.update(func(s *State) { s.Enabled = false })
			if fn := g.onFailure.Load(); fn != nil {
				// Off the worker so the callback may call Stop
				go (*fn)(err)
			}
			return
		}
		g.buffersWritten.Add(1)

		if tick != nil {
			<-tick
		}
	}
}

// OnFailure registers fn to run after a sink write error has disabled the tone
func (g *Generator) OnFailure(fn func(error)) {
	g.onFailure.Store(&fn)
}

// BufferDuration is the playback time covered by one buffer
func (g *Generator) BufferDuration() time.Duration {
	return time.Duration(g.cfg.BufferSize) * time.Second / time.Duration(g.cfg.SampleRate)
}

// Fill synthesizes one buffer starting at phase and returns the next phase.
// sample[n] = amplitude · 32767 · sin(2π · frequency · phase / sampleRate)
func Fill(buf []int16, st State, sampleRate int, phase float64) float64 {
	k := 2 * math.Pi * st.FrequencyHz / float64(sampleRate)
	scale := st.Amplitude * math.MaxInt16
	for i := range buf {
		buf[i] = int16(scale * math.Sin(k*phase))
		phase++
	}
	return phase
}

// Stop disables the tone, waits for the worker to exit and closes the sink.
// Safe to call when not running.
func (g *Generator) Stop() {
	g.update(func(s *State) { s.Enabled = false })

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.done == nil {
		return
	}

	<-g.done

	if err := g.sink.Close(); err != nil {
		g.logger.Warn("signal generator sink close failed", "error", err)
	}
	g.sink = nil
	g.done = nil

	g.logger.Info("signal generator stopped")
}

// SetFrequency changes the tone frequency; applied on the next buffer
func (g *Generator) SetFrequency(frequencyHz float64) {
	f := g.clampFrequency(frequencyHz)
	g.update(func(s *State) { s.FrequencyHz = f })
}

// SetAmplitude changes the tone amplitude; applied on the next buffer
func (g *Generator) SetAmplitude(amplitude float64) {
	a := clampAmplitude(amplitude)
	g.update(func(s *State) { s.Amplitude = a })
}

// update atomically replaces the state with a modified copy
func (g *Generator) update(fn func(*State)) {
	for {
		old := g.state.Load()
		next := *old
		fn(&next)
		if g.state.CompareAndSwap(old, &next) {
			return
		}
	}
}

// State returns the current state
func (g *Generator) State() State {
	return *g.state.Load()
}

// Running reports whether a worker is active
func (g *Generator) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done != nil && g.state.Load().Enabled
}

// SampleRate returns the output sample rate
func (g *Generator) SampleRate() int {
	return g.cfg.SampleRate
}

func (g *Generator) clampFrequency(f float64) float64 {
	if math.IsNaN(f) {
		return g.cfg.MinFrequency
	}
	return math.Min(math.Max(f, g.cfg.MinFrequency), g.cfg.MaxFrequency)
}

func clampAmplitude(a float64) float64 {
	if math.IsNaN(a) || a < 0 {
		return 0
	}
	if a > 1 {
		return 1
	}
	return a
}

// Stats contains generator statistics
type Stats struct {
	BuffersWritten uint64 `json:"buffers_written"`
	WriteErrors    uint64 `json:"write_errors"`
	Starts         uint64 `json:"starts"`
	Running        bool   `json:"running"`
}

// GetStats returns generator statistics
func (g *Generator) GetStats() Stats {
	return Stats{
		BuffersWritten: g.buffersWritten.Load(),
		WriteErrors:    g.writeErrors.Load(),
		Starts:         g.starts.Load(),
		Running:        g.Running(),
	}
}

// Close stops the generator
func (g *Generator) Close() error {
	g.Stop()
	return nil
}
