package visualizer

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Config configures the reducer.
// Divisor and SmoothWindow are calibration values for a capture backend's output scale.
type Config struct {
	HistorySize   int     // Trailing waveform samples kept for smoothing
	DisplayPoints int     // Length of the published waveform
	SmoothWindow  int     // Moving average half-width
	BarCount      int     // Number of amplitude bars
	Divisor       float64 // Magnitude scale before clamping
	CurveExponent float64 // Display curve exponent (0 disables)
}

// DefaultConfig returns the reference calibration
func DefaultConfig() Config {
	return Config{
		HistorySize:   1024,
		DisplayPoints: 512,
		SmoothWindow:  5,
		BarCount:      32,
		Divisor:       100,
		CurveExponent: 0.7,
	}
}

// Frame is one display-ready visualization frame. Frames are immutable once published.
type Frame struct {
	Waveform   []float64 `json:"waveform"`
	Amplitudes []float64 `json:"amplitudes"`
	Seq        uint64    `json:"seq"`
	Neutral    bool      `json:"neutral"`
	Timestamp  time.Time `json:"timestamp"`
}

// NeutralFrame returns the frame shown for silence: flat midline, zero bars
func NeutralFrame(cfg Config) Frame {
	wave := make([]float64, cfg.DisplayPoints)
	for i := range wave {
		wave[i] = MidLine
	}
	return Frame{
		Waveform:   wave,
		Amplitudes: make([]float64, cfg.BarCount),
		Neutral:    true,
		Timestamp:  time.Now(),
	}
}

// Reducer turns capture callbacks into frames.
// It owns no goroutine: callbacks run on the caller and do bounded work
// on preallocated buffers.
type Reducer struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	paused  bool
	ring    []float64 // trailing normalized samples
	ringPos int
	ringLen int
	norm    []float64
	window  []float64
	smooth  []float64
	cum     []float64
	mags    []float64

	frame atomic.Pointer[Frame]
	seq   atomic.Uint64

	subsMu sync.RWMutex
	subs   map[chan Frame]struct{}

	// Stats
	waveformCallbacks atomic.Uint64
	fftCallbacks      atomic.Uint64
	droppedPaused     atomic.Uint64
	framesPublished   atomic.Uint64
}

// NewReducer creates a reducer that starts with a neutral frame
func NewReducer(cfg Config, logger *slog.Logger) *Reducer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.DisplayPoints <= 0 {
		cfg.DisplayPoints = def.DisplayPoints
	}
	if cfg.BarCount <= 0 {
		cfg.BarCount = def.BarCount
	}
	if cfg.Divisor <= 0 {
		cfg.Divisor = def.Divisor
	}

	r := &Reducer{
		cfg:    cfg,
		logger: logger,
		ring:   make([]float64, cfg.HistorySize),
		window: make([]float64, cfg.HistorySize),
		smooth: make([]float64, cfg.HistorySize),
		cum:    make([]float64, cfg.HistorySize),
		subs:   make(map[chan Frame]struct{}),
	}

	neutral := NeutralFrame(cfg)
	r.frame.Store(&neutral)

	return r
}

// Config returns the reducer configuration
func (r *Reducer) Config() Config {
	return r.cfg
}

// OnWaveform ingests a waveform capture
func (r *Reducer) OnWaveform(samples []int8) {
	r.waveformCallbacks.Add(1)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.paused {
		r.droppedPaused.Add(1)
		return
	}

	// Only the trailing window is kept, so scratch never outgrows it
	if len(samples) > r.cfg.HistorySize {
		samples = samples[len(samples)-r.cfg.HistorySize:]
	}
	r.norm = NormalizeWaveform(r.norm, samples)
	r.pushHistory(r.norm)

	window := r.history()
	r.smooth = Smooth(r.smooth, window, r.cum, r.cfg.SmoothWindow)
	wave := Downsample(r.smooth, r.cfg.DisplayPoints)

	prev := r.frame.Load()
	r.publish(Frame{Waveform: wave, Amplitudes: prev.Amplitudes})
}

// OnFFT ingests an FFT capture of interleaved real/imaginary pairs
func (r *Reducer) OnFFT(fft []int8) {
	r.fftCallbacks.Add(1)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.paused {
		r.droppedPaused.Add(1)
		return
	}

	if cap(r.mags) < len(fft)/2 {
		r.mags = make([]float64, len(fft)/2)
	}
	bars := Amplitudes(fft, r.cfg.BarCount, r.cfg.Divisor, r.cfg.CurveExponent, r.mags)

	prev := r.frame.Load()
	r.publish(Frame{Waveform: prev.Waveform, Amplitudes: bars})
}

// pushHistory appends samples to the trailing ring, keeping the newest HistorySize
func (r *Reducer) pushHistory(samples []float64) {
	size := len(r.ring)
	if len(samples) > size {
		samples = samples[len(samples)-size:]
	}
	for _, s := range samples {
		r.ring[r.ringPos] = s
		r.ringPos = (r.ringPos + 1) % size
	}
	r.ringLen += len(samples)
	if r.ringLen > size {
		r.ringLen = size
	}
}

// history returns the trailing window in chronological order
func (r *Reducer) history() []float64 {
	size := len(r.ring)
	out := r.window[:r.ringLen]
	start := (r.ringPos - r.ringLen + size) % size
	for i := range out {
		out[i] = r.ring[(start+i)%size]
	}
	return out
}

// Pause stops accepting captures and publishes the neutral frame
func (r *Reducer) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.paused = true
	r.ringPos = 0
	r.ringLen = 0
	r.publish(NeutralFrame(r.cfg))

	r.logger.Debug("visualizer paused")
}

// Resume accepts captures again. The frame stays neutral until the next capture.
func (r *Reducer) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.paused = false
	r.logger.Debug("visualizer resumed")
}

// Paused reports whether captures are being dropped
func (r *Reducer) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Frame returns the latest frame
func (r *Reducer) Frame() Frame {
	return *r.frame.Load()
}

func (r *Reducer) publish(f Frame) {
	f.Seq = r.seq.Add(1)
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	r.frame.Store(&f)
	r.framesPublished.Add(1)
	r.notifySubscribers(f)
}

func (r *Reducer) notifySubscribers(f Frame) {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()

	for ch := range r.subs {
		select {
		case ch <- f:
		default:
			// Drop if subscriber is slow
		}
	}
}

// Subscribe returns a channel that receives every published frame
func (r *Reducer) Subscribe() chan Frame {
	ch := make(chan Frame, 4)

	r.subsMu.Lock()
	r.subs[ch] = struct{}{}
	r.subsMu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber
func (r *Reducer) Unsubscribe(ch chan Frame) {
	r.subsMu.Lock()
	if _, exists := r.subs[ch]; exists {
		delete(r.subs, ch)
		close(ch)
	}
	r.subsMu.Unlock()
}

// Close closes all subscriber channels
func (r *Reducer) Close() {
	r.subsMu.Lock()
	for ch := range r.subs {
		close(ch)
		delete(r.subs, ch)
	}
	r.subsMu.Unlock()
}

// Stats contains reducer statistics
type Stats struct {
	WaveformCallbacks uint64 `json:"waveform_callbacks"`
	FFTCallbacks      uint64 `json:"fft_callbacks"`
	DroppedPaused     uint64 `json:"dropped_paused"`
	FramesPublished   uint64 `json:"frames_published"`
	Paused            bool   `json:"paused"`
	SubscriberCount   int    `json:"subscriber_count"`
}

// GetStats returns reducer statistics
func (r *Reducer) GetStats() Stats {
	r.subsMu.RLock()
	subs := len(r.subs)
	r.subsMu.RUnlock()

	return Stats{
		WaveformCallbacks: r.waveformCallbacks.Load(),
		FFTCallbacks:      r.fftCallbacks.Load(),
		DroppedPaused:     r.droppedPaused.Load(),
		FramesPublished:   r.framesPublished.Load(),
		Paused:            r.Paused(),
		SubscriberCount:   subs,
	}
}
