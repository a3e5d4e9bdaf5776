// Package control owns the canonical equalizer, volume, playback and
// signal generator state. Every user intent is validated here, applied to
// the local audio session and mirrored to the remote device.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-eqlink/internal/equalizer"
	"github.com/teslashibe/go-eqlink/internal/generator"
	"github.com/teslashibe/go-eqlink/internal/protocol"
	"github.com/teslashibe/go-eqlink/internal/visualizer"
)

var (
	// ErrNoSession is returned when an intent needs loaded media
	ErrNoSession = errors.New("no media loaded")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("manager closed")
)

// Mirror forwards commands to the remote device on a best-effort basis
type Mirror interface {
	Enqueue(cmd protocol.Command) bool
	EnqueueBatch(cmds []protocol.Command) bool
	CheckConnection(ctx context.Context) bool
}

// Config configures the manager
type Config struct {
	DefaultVolume float64       // Volume before the user changes it (default: 0.7)
	ProbeInterval time.Duration // Remote connectivity probe period; 0 probes once
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		DefaultVolume: 0.7,
		ProbeInterval: 10 * time.Second,
	}
}

// Manager is the single writer of the canonical Snapshot
type Manager struct {
	cfg     Config
	backend Backend
	mirror  Mirror
	reducer *visualizer.Reducer
	gen     *generator.Generator
	logger  *slog.Logger

	// mu serializes intents and guards session
	mu      sync.Mutex
	session Session
	closed  bool

	snap atomic.Pointer[Snapshot]

	subsMu sync.RWMutex
	subs   map[chan Snapshot]struct{}

	closeOnce sync.Once
	closeErr  error

	// Stats
	intents  atomic.Uint64
	ignored  atomic.Uint64
	failures atomic.Uint64
	mirrored atomic.Uint64
	dropped  atomic.Uint64
}

// New creates a manager. The reducer receives capture buffers of the
// loaded session; the generator backs the tone intents.
func New(cfg Config, backend Backend, mirror Mirror, reducer *visualizer.Reducer, gen *generator.Generator, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if math.IsNaN(cfg.DefaultVolume) || cfg.DefaultVolume < 0 || cfg.DefaultVolume > 1 {
		cfg.DefaultVolume = DefaultConfig().DefaultVolume
	}

	m := &Manager{
		cfg:     cfg,
		backend: backend,
		mirror:  mirror,
		reducer: reducer,
		gen:     gen,
		logger:  logger,
		subs:    make(map[chan Snapshot]struct{}),
	}
	snap := initialSnapshot(cfg.DefaultVolume, gen.State())
	m.snap.Store(&snap)

	gen.OnFailure(m.onToneFailure)

	return m
}

// Run probes the remote device once, then every ProbeInterval (blocking, use goroutine)
func (m *Manager) Run(ctx context.Context) error {
	m.CheckConnection(ctx)

	if m.cfg.ProbeInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.CheckConnection(ctx)
		}
	}
}

// Snapshot returns the current state
func (m *Manager) Snapshot() Snapshot {
	return m.snap.Load().Clone()
}

// update publishes a modified copy of the current snapshot. Callers hold mu.
func (m *Manager) update(fn func(*Snapshot)) Snapshot {
	next := m.snap.Load().Clone()
	fn(&next)
	next.Version++
	next.UpdatedAt = time.Now()
	m.snap.Store(&next)

	m.notifySubscribers(next)
	return next
}

func (m *Manager) send(cmd protocol.Command) {
	if m.mirror.Enqueue(cmd) {
		m.mirrored.Add(1)
	} else {
		m.dropped.Add(1)
	}
}

func (m *Manager) sendBatch(cmds []protocol.Command) {
	if m.mirror.EnqueueBatch(cmds) {
		m.mirrored.Add(uint64(len(cmds)))
	} else {
		m.dropped.Add(uint64(len(cmds)))
	}
}

func (m *Manager) ignore(msg string, args ...any) {
	m.ignored.Add(1)
	m.logger.Debug(msg, args...)
}

func (m *Manager) fail(msg string, err error, args ...any) {
	m.failures.Add(1)
	m.logger.Warn(msg, append(args, "error", err)...)
}

// Load opens media, resets the equalizer to a flat layout reported by the
// effect chain and starts playback. If the media cannot be opened or set up
// the previous session keeps playing and the state is unchanged. If the new
// session fails to start, the previous one is already released and playback
// is left Stopped with no media.
func (m *Manager) Load(ctx context.Context, media string) error {
	m.intents.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	return m.loadLocked(ctx, media, nil)
}

// loadLocked opens media. A non-nil keep carries the equalizer over to the
// new session when its band layout matches.
func (m *Manager) loadLocked(ctx context.Context, media string, keep *equalizer.State) error {
	session, err := m.backend.Open(ctx, media)
	if err != nil {
		m.fail("load failed", err, "media", media)
		return fmt.Errorf("load %s: %w", filepath.Base(media), err)
	}

	eq, err := m.prepare(session, keep)
	if err != nil {
		m.fail("session setup failed", err, "media", media)
		return errors.Join(fmt.Errorf("prepare session: %w", err), session.Close())
	}

	// The previous session is released before the new one produces sound
	m.releaseLocked()

	m.reducer.Resume()
	if err := session.Capture().SetEnabled(true); err != nil {
		m.fail("capture enable failed", err)
	}
	if err := session.Transport().Start(); err != nil {
		m.fail("playback start failed", err, "media", media)
		m.reducer.Pause()
		m.update(func(s *Snapshot) {
			s.Equalizer.Bands = []equalizer.Band{}
			s.Playback = Stopped
			s.SessionID = ""
			s.Media = ""
		})
		return errors.Join(fmt.Errorf("start playback: %w", err), session.Close())
	}

	m.session = session
	snap := m.update(func(s *Snapshot) {
		s.Equalizer = eq
		s.Playback = Playing
		s.SessionID = session.ID()
		s.Media = media
	})

	m.sendBatch([]protocol.Command{protocol.Play(true), protocol.Volume(snap.Volume)})

	m.logger.Info("media loaded",
		"media", filepath.Base(media),
		"session", session.ID(),
		"bands", len(eq.Bands),
		"preset", eq.Preset,
	)
	return nil
}

// prepare applies the equalizer, volume and listeners to a new session.
// Without keep the equalizer starts flat and enabled.
func (m *Manager) prepare(session Session, keep *equalizer.State) (equalizer.State, error) {
	fx := session.Effects()
	eq := equalizer.State{Enabled: true, Bands: equalizer.NewBands(fx.Bands()), Preset: equalizer.Flat}

	if keep != nil && len(keep.Bands) == len(eq.Bands) {
		eq.Enabled = keep.Enabled
		eq.Preset = keep.Preset
		for i := range eq.Bands {
			eq.Bands[i].Gain = eq.Bands[i].Clamp(keep.Bands[i].Gain)
		}
	}

	for i, b := range eq.Bands {
		if err := fx.SetBandLevel(i, b.Gain); err != nil {
			return equalizer.State{}, fmt.Errorf("band %d: %w", i, err)
		}
	}
	if err := fx.SetEnabled(eq.Enabled); err != nil {
		return equalizer.State{}, fmt.Errorf("enable equalizer: %w", err)
	}
	if err := session.Transport().SetVolume(m.snap.Load().Volume); err != nil {
		return equalizer.State{}, fmt.Errorf("volume: %w", err)
	}

	session.Capture().SetListener(m.reducer.OnWaveform, m.reducer.OnFFT)

	id := session.ID()
	session.Transport().OnComplete(func() { m.onComplete(id) })

	return eq, nil
}

// releaseLocked closes the current session, if any
func (m *Manager) releaseLocked() error {
	if m.session == nil {
		return nil
	}
	s := m.session
	m.session = nil

	if err := s.Capture().SetEnabled(false); err != nil {
		m.logger.Debug("capture disable failed", "error", err)
	}
	m.reducer.Pause()

	if err := s.Close(); err != nil {
		m.fail("session release failed", err, "session", s.ID())
		return err
	}
	m.logger.Debug("session released", "session", s.ID())
	return nil
}

// onComplete handles the end of the track: the visualizer goes neutral
// and the remote device is told playback stopped
func (m *Manager) onComplete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil || m.session.ID() != id {
		return
	}
	if err := m.session.Capture().SetEnabled(false); err != nil {
		m.logger.Debug("capture disable failed", "error", err)
	}
	m.reducer.Pause()

	m.update(func(s *Snapshot) { s.Playback = Stopped })
	m.send(protocol.Play(false))

	m.logger.Info("playback completed", "session", id)
}

// SetBandLevel sets one band's gain, clamped to the band range. A direct
// band edit always switches the preset to Custom. Out-of-range indices and
// local effect failures leave the state unchanged.
func (m *Manager) SetBandLevel(index int, gainDb float64) {
	m.intents.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snap.Load()
	if index < 0 || index >= len(snap.Equalizer.Bands) {
		m.ignore("band index out of range", "index", index, "bands", len(snap.Equalizer.Bands))
		return
	}
	if math.IsNaN(gainDb) {
		m.ignore("band gain is not a number", "index", index)
		return
	}
	if m.session == nil {
		m.ignore("set band without session", "index", index)
		return
	}

	band := snap.Equalizer.Bands[index]
	gain := band.Clamp(gainDb)

	if err := m.session.Effects().SetBandLevel(index, gain); err != nil {
		m.fail("set band level failed", err, "index", index, "gain", gain)
		return
	}

	m.update(func(s *Snapshot) {
		s.Equalizer.Bands[index].Gain = gain
		s.Equalizer.Preset = equalizer.Custom
	})
	m.send(protocol.EqualizerBand(band.Label, gain))
}

// ApplyPreset applies a preset table to every band and mirrors it as one
// spaced batch. Custom is a no-op. A table that does not match the band
// count changes nothing and returns ErrPresetMismatch. Gains are clamped to
// each band's range; if clamping alters any gain the preset is recorded as
// Custom, since the bands no longer equal the table.
func (m *Manager) ApplyPreset(p equalizer.Preset) error {
	m.intents.Add(1)

	gains, err := p.Gains()
	if err != nil {
		m.fail("apply preset failed", err, "preset", p)
		return err
	}
	if gains == nil {
		m.ignore("custom preset has no table")
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		m.ignore("apply preset without session", "preset", p)
		return ErrNoSession
	}

	bands := m.snap.Load().Clone().Equalizer.Bands
	if len(gains) != len(bands) {
		m.fail("apply preset failed", equalizer.ErrPresetMismatch,
			"preset", p, "table", len(gains), "bands", len(bands))
		return fmt.Errorf("%w: %s has %d gains, device has %d bands",
			equalizer.ErrPresetMismatch, p, len(gains), len(bands))
	}

	fx := m.session.Effects()
	preset := p
	prev := make([]float64, len(bands))
	for i := range bands {
		prev[i] = bands[i].Gain
		g := bands[i].Clamp(gains[i])
		if err := fx.SetBandLevel(i, g); err != nil {
			m.fail("apply preset failed", err, "preset", p, "index", i)
			// Restore bands already changed so the chain matches the state
			for j := 0; j < i; j++ {
				fx.SetBandLevel(j, prev[j])
			}
			return fmt.Errorf("apply %s band %d: %w", p, i, err)
		}
		bands[i].Gain = g
		if g != gains[i] {
			preset = equalizer.Custom
		}
	}

	m.update(func(s *Snapshot) {
		s.Equalizer.Bands = bands
		s.Equalizer.Preset = preset
	})
	m.sendBatch(protocol.EqualizerBands(bands))

	m.logger.Info("preset applied", "preset", p, "recorded", preset)
	return nil
}

// ToggleEqualizer enables or bypasses the local effect. Not mirrored.
func (m *Manager) ToggleEqualizer(enabled bool) {
	m.intents.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		if err := m.session.Effects().SetEnabled(enabled); err != nil {
			m.fail("toggle equalizer failed", err, "enabled", enabled)
			return
		}
	}

	m.update(func(s *Snapshot) { s.Equalizer.Enabled = enabled })
}

// SetVolume sets the playback volume in [0, 1]
func (m *Manager) SetVolume(level float64) {
	m.intents.Add(1)

	if math.IsNaN(level) {
		m.ignore("volume is not a number")
		return
	}
	level = equalizer.Clamp(level, 0, 1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		if err := m.session.Transport().SetVolume(level); err != nil {
			m.fail("set volume failed", err, "level", level)
			return
		}
	}

	m.update(func(s *Snapshot) { s.Volume = level })
	m.send(protocol.Volume(level))
}

// TogglePlayback switches between playing and paused. A stopped track
// with media restarts from the beginning with the current equalizer;
// without media it is a no-op.
func (m *Manager) TogglePlayback(ctx context.Context) {
	m.intents.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snap.Load()

	switch snap.Playback {
	case Playing:
		if err := m.session.Transport().Pause(); err != nil {
			m.fail("pause failed", err)
			return
		}
		if err := m.session.Capture().SetEnabled(false); err != nil {
			m.logger.Debug("capture disable failed", "error", err)
		}
		m.reducer.Pause()
		m.update(func(s *Snapshot) { s.Playback = Paused })
		m.send(protocol.Play(false))

	case Paused:
		if err := m.session.Transport().Start(); err != nil {
			m.fail("resume failed", err)
			return
		}
		m.reducer.Resume()
		if err := m.session.Capture().SetEnabled(true); err != nil {
			m.fail("capture enable failed", err)
		}
		m.update(func(s *Snapshot) { s.Playback = Playing })
		m.send(protocol.Play(true))

	default:
		if snap.Media == "" || m.closed {
			m.ignore("toggle playback without media")
			return
		}
		keep := snap.Equalizer.Clone()
		if err := m.loadLocked(ctx, snap.Media, &keep); err != nil {
			m.logger.Warn("restart failed", "error", err)
		}
	}
}

// StartTone starts the signal generator. Frequency is clamped to
// [20, 20000] Hz and amplitude to [0, 1].
func (m *Manager) StartTone(frequencyHz, amplitude float64) error {
	m.intents.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if err := m.gen.Start(frequencyHz, amplitude); err != nil {
		m.fail("start tone failed", err)
		return err
	}

	m.update(func(s *Snapshot) { s.Generator = m.gen.State() })
	return nil
}

// SetTone changes frequency and amplitude of a running or future tone
func (m *Manager) SetTone(frequencyHz, amplitude float64) {
	m.intents.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.gen.SetFrequency(frequencyHz)
	m.gen.SetAmplitude(amplitude)
	m.update(func(s *Snapshot) { s.Generator = m.gen.State() })
}

// onToneFailure publishes the generator state after the worker stopped on
// a sink error
func (m *Manager) onToneFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fail("tone output failed", err)
	if m.gen.State().Enabled {
		// Restarted since the failure
		return
	}
	m.gen.Stop()
	if st := m.gen.State(); st != m.snap.Load().Generator {
		m.update(func(s *Snapshot) { s.Generator = st })
	}
}

// StopTone halts the signal generator; returns after the worker exits
func (m *Manager) StopTone() {
	m.intents.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.gen.Stop()
	m.update(func(s *Snapshot) { s.Generator = m.gen.State() })
}

// CheckConnection probes the remote device and records the result
func (m *Manager) CheckConnection(ctx context.Context) bool {
	connected := m.mirror.CheckConnection(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.snap.Load().RemoteConnected
	m.update(func(s *Snapshot) {
		s.RemoteConnected = connected
		s.RemoteCheckedAt = time.Now()
	})

	if connected != prev {
		m.logger.Info("remote device connectivity changed", "connected", connected)
	}
	return connected
}

func (m *Manager) notifySubscribers(s Snapshot) {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()

	for ch := range m.subs {
		select {
		case ch <- s:
		default:
			// Drop if subscriber is slow
		}
	}
}

// Subscribe returns a channel that receives every published snapshot
func (m *Manager) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 8)

	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber
func (m *Manager) Unsubscribe(ch chan Snapshot) {
	m.subsMu.Lock()
	if _, exists := m.subs[ch]; exists {
		delete(m.subs, ch)
		close(ch)
	}
	m.subsMu.Unlock()
}

// Close stops the tone, releases the session and closes subscribers.
// Safe to call more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.gen.Stop()
		err := m.releaseLocked()
		m.update(func(s *Snapshot) {
			s.Playback = Stopped
			s.Generator = m.gen.State()
			s.SessionID = ""
		})
		m.mu.Unlock()

		m.subsMu.Lock()
		for ch := range m.subs {
			close(ch)
			delete(m.subs, ch)
		}
		m.subsMu.Unlock()

		m.closeErr = err
		m.logger.Info("control manager closed")
	})
	return m.closeErr
}

// Stats contains manager statistics
type Stats struct {
	Intents         uint64 `json:"intents"`
	Ignored         uint64 `json:"ignored"`
	Failures        uint64 `json:"failures"`
	Mirrored        uint64 `json:"mirrored"`
	MirrorDropped   uint64 `json:"mirror_dropped"`
	Version         uint64 `json:"version"`
	SubscriberCount int    `json:"subscriber_count"`
}

// GetStats returns manager statistics
func (m *Manager) GetStats() Stats {
	m.subsMu.RLock()
	subs := len(m.subs)
	m.subsMu.RUnlock()

	return Stats{
		Intents:         m.intents.Load(),
		Ignored:         m.ignored.Load(),
		Failures:        m.failures.Load(),
		Mirrored:        m.mirrored.Load(),
		MirrorDropped:   m.dropped.Load(),
		Version:         m.snap.Load().Version,
		SubscriberCount: subs,
	}
}
