// Package engine is a software audio backend: it decodes media files,
// runs them through a peaking-filter equalizer and a volume stage, and
// samples the result for visualization.
//
//	[Decode] -> [Resample] -> [N x Biquad EQ] -> [Volume] -> [Tap] -> [Ctrl] -> [Output]
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"

	"github.com/teslashibe/go-eqlink/internal/control"
	"github.com/teslashibe/go-eqlink/internal/equalizer"
)

// ErrUnsupportedFormat is returned for media the engine cannot decode
var ErrUnsupportedFormat = errors.New("unsupported media format")

// Config holds engine configuration
type Config struct {
	CaptureHz   int     // Capture deliveries per second (default: 20)
	CaptureSize int     // Samples per capture buffer (default: 1024)
	Bands       []int   // Band center frequencies in Hz
	MinGain     float64 // Lowest band gain in dB
	MaxGain     float64 // Highest band gain in dB
	Q           float64 // Peaking filter quality factor
}

// DefaultConfig returns a five band layout matching the remote device
func DefaultConfig() Config {
	return Config{
		CaptureHz:   20,
		CaptureSize: 1024,
		Bands:       append([]int(nil), equalizer.CanonicalFrequencies...),
		MinGain:     equalizer.DefaultMinGain,
		MaxGain:     equalizer.DefaultMaxGain,
		Q:           1.4,
	}
}

// Engine opens playback sessions on an Output
type Engine struct {
	cfg    Config
	out    Output
	logger *slog.Logger

	// Stats
	sessionsOpened atomic.Uint64
	openErrors     atomic.Uint64
	captureFrames  atomic.Uint64
	completed      atomic.Uint64
	active         atomic.Int64
}

// New creates an engine
func New(cfg Config, out Output, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if len(cfg.Bands) == 0 {
		cfg.Bands = def.Bands
	}
	if cfg.CaptureSize <= 1 {
		cfg.CaptureSize = def.CaptureSize
	}
	if cfg.CaptureHz <= 0 {
		cfg.CaptureHz = def.CaptureHz
	}
	if cfg.MaxGain <= cfg.MinGain {
		cfg.MinGain, cfg.MaxGain = def.MinGain, def.MaxGain
	}
	if cfg.Q <= 0 {
		cfg.Q = def.Q
	}

	return &Engine{
		cfg:    cfg,
		out:    out,
		logger: logger,
	}
}

// Open decodes media and builds a paused pipeline. Playback begins on
// Transport().Start().
func (e *Engine) Open(ctx context.Context, media string) (control.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamer, format, err := decode(media)
	if err != nil {
		e.openErrors.Add(1)
		return nil, err
	}

	s := &session{
		id:       uuid.NewString(),
		media:    media,
		engine:   e,
		streamer: streamer,
		gains:    make([]atomicFloat, len(e.cfg.Bands)),
	}
	s.eqEnabled.Store(true)
	s.level.Store(1)

	var st beep.Streamer = streamer
	if sr := e.out.SampleRate(); format.SampleRate != sr {
		st = beep.Resample(4, format.SampleRate, sr, st)
	}
	for i, freq := range e.cfg.Bands {
		st = newBiquad(st, float64(freq), e.cfg.Q, &s.gains[i], &s.eqEnabled, float64(e.out.SampleRate()))
	}
	st = &volume{s: st, level: &s.level}

	s.tap = NewTap(st, e.cfg.CaptureSize)
	s.ctrl = &beep.Ctrl{Streamer: s.tap, Paused: true}
	s.capture = newCapture(s.tap, e.cfg.CaptureHz, e.cfg.CaptureSize, &e.captureFrames)
	s.capture.start()

	e.sessionsOpened.Add(1)
	e.active.Add(1)

	e.logger.Info("session opened",
		"session", s.id,
		"media", filepath.Base(media),
		"source_rate", int(format.SampleRate),
		"bands", len(e.cfg.Bands),
	)

	return s, nil
}

func decode(path string) (beep.StreamSeekCloser, beep.Format, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".mp3", ".wav", ".ogg":
	default:
		return nil, beep.Format{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("open: %w", err)
	}

	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
	)
	switch ext {
	case ".mp3":
		streamer, format, err = mp3.Decode(f)
	case ".wav":
		streamer, format, err = wav.Decode(f)
	case ".ogg":
		streamer, format, err = vorbis.Decode(f)
	}
	if err != nil {
		f.Close()
		return nil, beep.Format{}, fmt.Errorf("decode: %w", err)
	}

	return streamer, format, nil
}

// Bands returns the configured band layout
func (e *Engine) Bands() []equalizer.BandInfo {
	out := make([]equalizer.BandInfo, len(e.cfg.Bands))
	for i, f := range e.cfg.Bands {
		out[i] = equalizer.BandInfo{
			CenterFrequencyHz: f,
			MinGain:           e.cfg.MinGain,
			MaxGain:           e.cfg.MaxGain,
		}
	}
	return out
}

// Stats contains engine statistics
type Stats struct {
	SessionsOpened uint64 `json:"sessions_opened"`
	OpenErrors     uint64 `json:"open_errors"`
	CaptureFrames  uint64 `json:"capture_frames"`
	Completed      uint64 `json:"completed"`
	ActiveSessions int64  `json:"active_sessions"`
}

// GetStats returns engine statistics
func (e *Engine) GetStats() Stats {
	return Stats{
		SessionsOpened: e.sessionsOpened.Load(),
		OpenErrors:     e.openErrors.Load(),
		CaptureFrames:  e.captureFrames.Load(),
		Completed:      e.completed.Load(),
		ActiveSessions: e.active.Load(),
	}
}

// session owns one decoded stream and its pipeline
type session struct {
	id       string
	media    string
	engine   *Engine
	streamer beep.StreamSeekCloser
	tap      *Tap
	ctrl     *beep.Ctrl
	capture  *capture

	gains     []atomicFloat
	eqEnabled atomic.Bool
	level     atomicFloat

	mu         sync.Mutex
	started    bool
	closed     bool
	onComplete func()

	closeOnce sync.Once
	closeErr  error
}

func (s *session) ID() string                   { return s.id }
func (s *session) Effects() control.Effects     { return (*effects)(s) }
func (s *session) Capture() control.Capture     { return s.capture }
func (s *session) Transport() control.Transport { return (*transport)(s) }

// Close detaches the stream from the output, stops capture and releases
// the decoder and its file
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.capture.stop()

		out := s.engine.out
		out.Lock()
		s.ctrl.Streamer = nil
		out.Unlock()

		if err := s.streamer.Close(); err != nil {
			s.closeErr = fmt.Errorf("close decoder: %w", err)
		}
		s.engine.active.Add(-1)
		s.engine.logger.Debug("session closed", "session", s.id)
	})
	return s.closeErr
}

func (s *session) complete() {
	s.mu.Lock()
	fn := s.onComplete
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}
	s.engine.completed.Add(1)

	if fn != nil {
		// Runs off the audio thread so the callback may use the transport
		go fn()
	}
}

// effects is the session viewed as an equalizer effect
type effects session

func (e *effects) Bands() []equalizer.BandInfo {
	return e.engine.Bands()
}

func (e *effects) SetBandLevel(index int, gainDb float64) error {
	if index < 0 || index >= len(e.gains) {
		return fmt.Errorf("band index %d out of range [0,%d)", index, len(e.gains))
	}
	cfg := e.engine.cfg
	e.gains[index].Store(equalizer.Clamp(gainDb, cfg.MinGain, cfg.MaxGain))
	return nil
}

func (e *effects) SetEnabled(enabled bool) error {
	e.eqEnabled.Store(enabled)
	return nil
}

// transport is the session viewed as a playback transport
type transport session

func (t *transport) Start() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("session closed")
	}
	first := !t.started
	t.started = true
	t.mu.Unlock()

	out := t.engine.out
	if first {
		t.ctrl.Paused = false
		s := (*session)(t)
		out.Play(beep.Seq(t.ctrl, beep.Callback(s.complete)))
		return nil
	}

	out.Lock()
	t.ctrl.Paused = false
	out.Unlock()
	return nil
}

func (t *transport) Pause() error {
	out := t.engine.out
	out.Lock()
	t.ctrl.Paused = true
	out.Unlock()
	return nil
}

func (t *transport) SetVolume(level float64) error {
	t.level.Store(equalizer.Clamp(level, 0, 1))
	return nil
}

func (t *transport) OnComplete(fn func()) {
	t.mu.Lock()
	t.onComplete = fn
	t.mu.Unlock()
}
