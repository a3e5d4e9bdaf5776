// Package visualizer reduces raw capture buffers into display frames.
//
// Two independent inputs feed a Reducer: 8-bit waveform samples and FFT
// output packed as interleaved real/imaginary pairs. Both are turned into
// fixed-size slices of values in [0, 1].
package visualizer

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Neutral values published while playback is paused or stopped
const (
	MidLine      = 0.5
	SilentLevel  = 0.0
	sampleOffset = 128.0
	sampleRange  = 255.0
)

// NormalizeSample maps a signed 8-bit sample to [0, 1]: -128 → 0, 127 → 1
func NormalizeSample(s int8) float64 {
	return (float64(s) + sampleOffset) / sampleRange
}

// NormalizeWaveform normalizes every sample into dst (allocated when too short)
func NormalizeWaveform(dst []float64, samples []int8) []float64 {
	if cap(dst) < len(samples) {
		dst = make([]float64, len(samples))
	}
	dst = dst[:len(samples)]
	for i, s := range samples {
		dst[i] = NormalizeSample(s)
	}
	return dst
}

// Smooth applies a symmetric moving average of ±window samples. Edges use
// the samples that exist. cum is scratch space for prefix sums and may be nil.
func Smooth(dst, data, cum []float64, window int) []float64 {
	n := len(data)
	if cap(dst) < n {
		dst = make([]float64, n)
	}
	dst = dst[:n]
	if n == 0 {
		return dst
	}
	if window <= 0 {
		copy(dst, data)
		return dst
	}

	if cap(cum) < n {
		cum = make([]float64, n)
	}
	cum = floats.CumSum(cum[:n], data)

	for i := 0; i < n; i++ {
		start := i - window
		if start < 0 {
			start = 0
		}
		end := i + window
		if end > n-1 {
			end = n - 1
		}
		sum := cum[end]
		if start > 0 {
			sum -= cum[start-1]
		}
		dst[i] = sum / float64(end-start+1)
	}
	return dst
}

// Downsample reduces data to exactly points values by index-interpolated
// averaging of neighbouring samples. Empty input yields the midline.
func Downsample(data []float64, points int) []float64 {
	if points <= 0 {
		return nil
	}
	out := make([]float64, points)
	if len(data) == 0 {
		for i := range out {
			out[i] = MidLine
		}
		return out
	}

	last := len(data) - 1
	step := float64(len(data)) / float64(points)
	for i := 0; i < points; i++ {
		idx := clampIndex(int(float64(i)*step), last)
		next := clampIndex(int(float64(i+1)*step), last)
		out[i] = (data[idx] + data[next]) / 2
	}
	return out
}

func clampIndex(i, last int) int {
	if i < 0 {
		return 0
	}
	if i > last {
		return last
	}
	return i
}

// Amplitudes groups FFT bins into barCount contiguous ranges and returns the
// mean magnitude of each range divided by divisor, clamped to [0, 1], with
// the display curve applied. fft holds interleaved (real, imag) pairs.
// mags is scratch space and may be nil.
func Amplitudes(fft []int8, barCount int, divisor, exponent float64, mags []float64) []float64 {
	if barCount <= 0 {
		return nil
	}
	bars := make([]float64, barCount)

	bins := len(fft) / 2
	if bins == 0 {
		return bars
	}
	if divisor <= 0 {
		divisor = 1
	}

	if cap(mags) < bins {
		mags = make([]float64, bins)
	}
	mags = mags[:bins]
	for k := 0; k < bins; k++ {
		re := float64(fft[2*k])
		im := float64(fft[2*k+1])
		mags[k] = math.Sqrt(re*re + im*im)
	}

	for i := 0; i < barCount; i++ {
		start := i * bins / barCount
		end := (i + 1) * bins / barCount
		if end <= start {
			// Fewer bins than bars: the bar shows its nearest bin
			start = clampIndex(start, bins-1)
			end = start + 1
		}
		mean := floats.Sum(mags[start:end]) / float64(end-start)
		bars[i] = Curve(clamp01(mean/divisor), exponent)
	}
	return bars
}

// Curve compresses dynamic range with x^exponent. The map is monotonic and
// keeps 0 → 0 and 1 → 1. Exponents <= 0 disable the curve.
func Curve(x, exponent float64) float64 {
	x = clamp01(x)
	if exponent <= 0 || exponent == 1 {
		return x
	}
	return math.Pow(x, exponent)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
