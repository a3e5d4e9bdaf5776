package control

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/teslashibe/go-eqlink/internal/equalizer"
	"github.com/teslashibe/go-eqlink/internal/protocol"
)

// fakeBackend opens in-memory sessions
type fakeBackend struct {
	mu       sync.Mutex
	bands    []equalizer.BandInfo
	openErr  error
	startErr error
	sessions []*fakeSession
}

func newFakeBackend(bands int) *fakeBackend {
	infos := make([]equalizer.BandInfo, bands)
	for i := range infos {
		freq := 16000 + i
		if i < len(equalizer.CanonicalFrequencies) {
			freq = equalizer.CanonicalFrequencies[i]
		}
		infos[i] = equalizer.BandInfo{CenterFrequencyHz: freq, MinGain: -15, MaxGain: 15}
	}
	return &fakeBackend{bands: infos}
}

func (b *fakeBackend) Open(ctx context.Context, media string) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openErr != nil {
		return nil, b.openErr
	}
	s := &fakeSession{
		id:    fmt.Sprintf("session-%d", len(b.sessions)+1),
		media: media,
		fx:    &fakeEffects{bands: b.bands, gains: make([]float64, len(b.bands))},
		capt:  &fakeCapture{},
		tr:    &fakeTransport{startErr: b.startErr},
	}
	b.sessions = append(b.sessions, s)
	return s, nil
}

func (b *fakeBackend) last() *fakeSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sessions) == 0 {
		return nil
	}
	return b.sessions[len(b.sessions)-1]
}

type fakeSession struct {
	id     string
	media  string
	fx     *fakeEffects
	capt   *fakeCapture
	tr     *fakeTransport
	mu     sync.Mutex
	closes int
}

func (s *fakeSession) ID() string           { return s.id }
func (s *fakeSession) Effects() Effects     { return s.fx }
func (s *fakeSession) Capture() Capture     { return s.capt }
func (s *fakeSession) Transport() Transport { return s.tr }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type fakeEffects struct {
	mu      sync.Mutex
	bands   []equalizer.BandInfo
	gains   []float64
	enabled bool
	failAt  int
	failing bool
}

func (f *fakeEffects) Bands() []equalizer.BandInfo { return f.bands }

func (f *fakeEffects) SetBandLevel(index int, gainDb float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing && index == f.failAt {
		return errors.New("effect rejected level")
	}
	f.gains[index] = gainDb
	return nil
}

func (f *fakeEffects) SetEnabled(enabled bool) error {
	f.mu.Lock()
	f.enabled = enabled
	f.mu.Unlock()
	return nil
}

func (f *fakeEffects) failBand(index int) {
	f.mu.Lock()
	f.failing = true
	f.failAt = index
	f.mu.Unlock()
}

func (f *fakeEffects) snapshot() ([]float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.gains...), f.enabled
}

type fakeCapture struct {
	mu         sync.Mutex
	onWaveform func([]int8)
	onFFT      func([]int8)
	enabled    bool
}

func (c *fakeCapture) SetListener(onWaveform, onFFT func([]int8)) {
	c.mu.Lock()
	c.onWaveform, c.onFFT = onWaveform, onFFT
	c.mu.Unlock()
}

func (c *fakeCapture) SetEnabled(enabled bool) error {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
	return nil
}

func (c *fakeCapture) isEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// deliver pushes buffers the way a capture backend would
func (c *fakeCapture) deliver(wave, fft []int8) {
	c.mu.Lock()
	onWaveform, onFFT, enabled := c.onWaveform, c.onFFT, c.enabled
	c.mu.Unlock()
	if !enabled {
		return
	}
	if onWaveform != nil {
		onWaveform(wave)
	}
	if onFFT != nil {
		onFFT(fft)
	}
}

type fakeTransport struct {
	mu         sync.Mutex
	playing    bool
	starts     int
	volume     float64
	startErr   error
	onComplete func()
}

func (t *fakeTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startErr != nil {
		return t.startErr
	}
	t.playing = true
	t.starts++
	return nil
}

func (t *fakeTransport) Pause() error {
	t.mu.Lock()
	t.playing = false
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) SetVolume(level float64) error {
	t.mu.Lock()
	t.volume = level
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) OnComplete(fn func()) {
	t.mu.Lock()
	t.onComplete = fn
	t.mu.Unlock()
}

func (t *fakeTransport) finish() {
	t.mu.Lock()
	t.playing = false
	fn := t.onComplete
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *fakeTransport) state() (bool, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.playing, t.volume
}

// recordingMirror records enqueued commands in order, one slice per job
type recordingMirror struct {
	mu        sync.Mutex
	jobs      [][]protocol.Command
	full      bool
	connected bool
	probes    int
}

func (r *recordingMirror) Enqueue(cmd protocol.Command) bool {
	return r.EnqueueBatch([]protocol.Command{cmd})
}

func (r *recordingMirror) EnqueueBatch(cmds []protocol.Command) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return false
	}
	r.jobs = append(r.jobs, append([]protocol.Command(nil), cmds...))
	return true
}

func (r *recordingMirror) CheckConnection(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes++
	return r.connected
}

// lines flattens every job into wire strings
func (r *recordingMirror) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, job := range r.jobs {
		for _, c := range job {
			out = append(out, c.String())
		}
	}
	return out
}

func (r *recordingMirror) lastJob() []protocol.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.jobs) == 0 {
		return nil
	}
	return r.jobs[len(r.jobs)-1]
}

func (r *recordingMirror) reset() {
	r.mu.Lock()
	r.jobs = nil
	r.mu.Unlock()
}
