package control

import (
	"context"

	"github.com/teslashibe/go-eqlink/internal/equalizer"
)

// Backend opens playback sessions on the local audio stack
type Backend interface {
	Open(ctx context.Context, media string) (Session, error)
}

// Session owns the effect, capture and transport handles of one loaded
// media item. Close releases all of them and is safe to call more than once.
type Session interface {
	ID() string
	Effects() Effects
	Capture() Capture
	Transport() Transport
	Close() error
}

// Effects is the local equalizer effect chain
type Effects interface {
	// Bands reports the band layout supported by the effect. The count is
	// not fixed; callers must not assume five bands.
	Bands() []equalizer.BandInfo
	SetBandLevel(index int, gainDb float64) error
	SetEnabled(enabled bool) error
}

// Capture delivers raw visualization buffers: 8-bit waveform samples and
// FFT output as interleaved (real, imaginary) int8 pairs
type Capture interface {
	SetListener(onWaveform, onFFT func([]int8))
	SetEnabled(enabled bool) error
}

// Transport controls playback of the loaded media
type Transport interface {
	Start() error
	Pause() error
	SetVolume(level float64) error
	OnComplete(fn func())
}
