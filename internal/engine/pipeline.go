package engine

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/gopxl/beep/v2"
)

// atomicFloat is a float64 shared between the audio thread and callers
type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) Load() float64   { return math.Float64frombits(f.bits.Load()) }
func (f *atomicFloat) Store(v float64) { f.bits.Store(math.Float64bits(v)) }

// biquad is a second-order IIR peaking filter (RBJ Audio EQ Cookbook).
// Gain is read on every Stream call so changes apply without rebuilding
// the pipeline.
type biquad struct {
	s       beep.Streamer
	freq    float64
	q       float64
	sr      float64
	gain    *atomicFloat
	enabled *atomic.Bool

	x1, x2 [2]float64
	y1, y2 [2]float64

	lastGain           float64
	b0, b1, b2, a1, a2 float64
	inited             bool
}

func newBiquad(s beep.Streamer, freq, q float64, gain *atomicFloat, enabled *atomic.Bool, sr float64) *biquad {
	return &biquad{s: s, freq: freq, q: q, gain: gain, enabled: enabled, sr: sr}
}

func (b *biquad) coefficients(dB float64) {
	if b.inited && dB == b.lastGain {
		return
	}
	b.lastGain = dB
	b.inited = true

	a := math.Pow(10, dB/40)
	w0 := 2 * math.Pi * b.freq / b.sr
	sinW0, cosW0 := math.Sincos(w0)
	alpha := sinW0 / (2 * b.q)

	a0 := 1 + alpha/a
	b.b0 = (1 + alpha*a) / a0
	b.b1 = (-2 * cosW0) / a0
	b.b2 = (1 - alpha*a) / a0
	b.a1 = (-2 * cosW0) / a0
	b.a2 = (1 - alpha/a) / a0
}

func (b *biquad) Stream(samples [][2]float64) (int, bool) {
	n, ok := b.s.Stream(samples)

	dB := b.gain.Load()
	if !b.enabled.Load() || (dB > -0.1 && dB < 0.1) {
		b.passThrough(samples[:n])
		return n, ok
	}

	b.coefficients(dB)

	for i := range n {
		for ch := range 2 {
			x := samples[i][ch]
			y := b.b0*x + b.b1*b.x1[ch] + b.b2*b.x2[ch] - b.a1*b.y1[ch] - b.a2*b.y2[ch]
			b.x2[ch] = b.x1[ch]
			b.x1[ch] = x
			b.y2[ch] = b.y1[ch]
			b.y1[ch] = y
			samples[i][ch] = y
		}
	}
	return n, ok
}

// passThrough records bypassed samples as both input and output history,
// so the filter resumes from the signal it would have passed unchanged
func (b *biquad) passThrough(samples [][2]float64) {
	for _, smp := range samples {
		for ch := range 2 {
			b.x2[ch], b.x1[ch] = b.x1[ch], smp[ch]
			b.y2[ch], b.y1[ch] = b.y1[ch], smp[ch]
		}
	}
}

func (b *biquad) Err() error { return b.s.Err() }

// volume applies a linear gain in [0, 1]
type volume struct {
	s     beep.Streamer
	level *atomicFloat
}

func (v *volume) Stream(samples [][2]float64) (int, bool) {
	n, ok := v.s.Stream(samples)
	gain := v.level.Load()
	if gain == 1 {
		return n, ok
	}
	for i := range n {
		samples[i][0] *= gain
		samples[i][1] *= gain
	}
	return n, ok
}

func (v *volume) Err() error { return v.s.Err() }

// Tap copies a mono mix of the stream into a ring buffer for capture
type Tap struct {
	s    beep.Streamer
	mu   sync.Mutex
	buf  []float64
	pos  int
	size int
}

// NewTap wraps a streamer with a ring buffer of the given size
func NewTap(s beep.Streamer, size int) *Tap {
	return &Tap{
		s:    s,
		buf:  make([]float64, size),
		size: size,
	}
}

// Stream passes audio through while recording it
func (t *Tap) Stream(samples [][2]float64) (int, bool) {
	n, ok := t.s.Stream(samples)
	t.mu.Lock()
	for i := range n {
		t.buf[t.pos] = (samples[i][0] + samples[i][1]) / 2
		t.pos = (t.pos + 1) % t.size
	}
	t.mu.Unlock()
	return n, ok
}

// Err returns the underlying streamer's error
func (t *Tap) Err() error {
	return t.s.Err()
}

// Samples copies the last len(dst) samples into dst in chronological order
func (t *Tap) Samples(dst []float64) []float64 {
	n := len(dst)
	if n > t.size {
		n = t.size
		dst = dst[:n]
	}
	t.mu.Lock()
	start := (t.pos - n + t.size) % t.size
	for i := range n {
		dst[i] = t.buf[(start+i)%t.size]
	}
	t.mu.Unlock()
	return dst
}
