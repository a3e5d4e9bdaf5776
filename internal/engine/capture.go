package engine

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mjibson/go-dsp/fft"
)

// capture samples the tap at a fixed rate and hands 8-bit buffers to the
// listener. Buffers are reused between ticks; listeners must not retain them.
type capture struct {
	tap      *Tap
	interval time.Duration
	size     int

	mu         sync.Mutex
	onWaveform func([]int8)
	onFFT      func([]int8)

	enabled atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	frames *atomic.Uint64
}

func newCapture(tap *Tap, hz, size int, frames *atomic.Uint64) *capture {
	if hz <= 0 {
		hz = 20
	}
	return &capture{
		tap:      tap,
		interval: time.Second / time.Duration(hz),
		size:     size,
		frames:   frames,
	}
}

// SetListener installs the waveform and FFT callbacks
func (c *capture) SetListener(onWaveform, onFFT func([]int8)) {
	c.mu.Lock()
	c.onWaveform = onWaveform
	c.onFFT = onFFT
	c.mu.Unlock()
}

// SetEnabled turns delivery on or off
func (c *capture) SetEnabled(enabled bool) error {
	c.enabled.Store(enabled)
	return nil
}

func (c *capture) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx)
}

func (c *capture) stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
}

func (c *capture) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	samples := make([]float64, c.size)
	wave := make([]int8, c.size)
	spectrum := make([]int8, c.size)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !c.enabled.Load() {
			continue
		}

		c.mu.Lock()
		onWaveform, onFFT := c.onWaveform, c.onFFT
		c.mu.Unlock()

		if onWaveform == nil && onFFT == nil {
			continue
		}

		samples = c.tap.Samples(samples)
		if onWaveform != nil {
			onWaveform(Waveform8(wave, samples))
		}
		if onFFT != nil {
			onFFT(FFT8(spectrum, samples))
		}
		c.frames.Add(1)
	}
}

// Waveform8 quantizes samples in [-1, 1] to signed 8-bit
func Waveform8(dst []int8, samples []float64) []int8 {
	if cap(dst) < len(samples) {
		dst = make([]int8, len(samples))
	}
	dst = dst[:len(samples)]
	for i, s := range samples {
		dst[i] = toInt8(s * 127)
	}
	return dst
}

// FFT8 transforms samples and packs the positive-frequency half as
// interleaved (real, imaginary) int8 pairs. A full-scale sine peaks
// near 127 at its bin.
func FFT8(dst []int8, samples []float64) []int8 {
	n := len(samples)
	half := n / 2
	if cap(dst) < 2*half {
		dst = make([]int8, 2*half)
	}
	dst = dst[:2*half]
	if half == 0 {
		return dst
	}

	spectrum := fft.FFTReal(samples)
	scale := 2 * 127 / float64(n)
	for k := 0; k < half; k++ {
		dst[2*k] = toInt8(real(spectrum[k]) * scale)
		dst[2*k+1] = toInt8(imag(spectrum[k]) * scale)
	}
	return dst
}

func toInt8(v float64) int8 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v)
	if v > math.MaxInt8 {
		return math.MaxInt8
	}
	if v < math.MinInt8 {
		return math.MinInt8
	}
	return int8(v)
}
