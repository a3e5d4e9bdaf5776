// Package equalizer defines the band model, presets and gain rules
package equalizer

import (
	"errors"
	"fmt"
	"strings"
)

// Default gain range in dB, matching the remote device protocol
const (
	DefaultMinGain = -15.0
	DefaultMaxGain = 15.0
)

// CanonicalLabels is the ordered set of slot labels understood by the remote device
var CanonicalLabels = []string{"60Hz", "230Hz", "910Hz", "3.6kHz", "14kHz"}

// CanonicalFrequencies are the center frequencies (Hz) matching CanonicalLabels
var CanonicalFrequencies = []int{60, 230, 910, 3600, 14000}

var (
	// ErrUnknownPreset is returned for preset names that don't exist
	ErrUnknownPreset = errors.New("unknown preset")

	// ErrPresetMismatch is returned when a preset table doesn't match the band count
	ErrPresetMismatch = errors.New("preset table does not match band count")
)

// Band is a single equalizer band
type Band struct {
	CenterFrequencyHz int     `json:"center_frequency_hz"`
	Label             string  `json:"label"`
	Gain              float64 `json:"gain"`
	MinGain           float64 `json:"min_gain"`
	MaxGain           float64 `json:"max_gain"`
}

// Clamp returns gain limited to the band's range
func (b Band) Clamp(gain float64) float64 {
	return Clamp(gain, b.MinGain, b.MaxGain)
}

// BandInfo is what a local effect chain reports about one of its bands
type BandInfo struct {
	CenterFrequencyHz int
	MinGain           float64
	MaxGain           float64
}

// State is the canonical equalizer state of a playback session
type State struct {
	Enabled bool   `json:"enabled"`
	Bands   []Band `json:"bands"`
	Preset  Preset `json:"preset"`
}

// Clone returns a deep copy so snapshots never share band slices
func (s State) Clone() State {
	out := s
	if s.Bands != nil {
		out.Bands = make([]Band, len(s.Bands))
		copy(out.Bands, s.Bands)
	}
	return out
}

// Gains returns the current gain of every band in order
func (s State) Gains() []float64 {
	gains := make([]float64, len(s.Bands))
	for i, b := range s.Bands {
		gains[i] = b.Gain
	}
	return gains
}

// NewBands builds bands from what the effect chain reports.
// The first slots get canonical labels, any extra band is labelled by frequency.
func NewBands(infos []BandInfo) []Band {
	bands := make([]Band, len(infos))
	for i, info := range infos {
		label := fmt.Sprintf("%dHz", info.CenterFrequencyHz)
		if i < len(CanonicalLabels) {
			label = CanonicalLabels[i]
		}
		minGain, maxGain := info.MinGain, info.MaxGain
		if minGain >= maxGain {
			minGain, maxGain = DefaultMinGain, DefaultMaxGain
		}
		bands[i] = Band{
			CenterFrequencyHz: info.CenterFrequencyHz,
			Label:             label,
			Gain:              Clamp(0, minGain, maxGain),
			MinGain:           minGain,
			MaxGain:           maxGain,
		}
	}
	return bands
}

// Preset identifies a fixed gain table
type Preset string

// Known presets. Custom means the user edited bands directly.
const (
	Flat        Preset = "flat"
	Rock        Preset = "rock"
	Pop         Preset = "pop"
	Jazz        Preset = "jazz"
	Classical   Preset = "classical"
	Dance       Preset = "dance"
	BassBoost   Preset = "bass_boost"
	TrebleBoost Preset = "treble_boost"
	Custom      Preset = "custom"
)

var presetGains = map[Preset][]float64{
	Flat:        {0, 0, 0, 0, 0},
	Rock:        {5, 3, -1, 0, 4},
	Pop:         {-1, 2, 4, 3, -1},
	Jazz:        {3, 2, -1, 2, 4},
	Classical:   {4, 3, -1, 2, 3},
	Dance:       {6, 4, 0, 2, 4},
	BassBoost:   {6, 4, 1, 0, 0},
	TrebleBoost: {0, 0, 1, 4, 6},
}

// Presets lists every preset in display order
func Presets() []Preset {
	return []Preset{Flat, Rock, Pop, Jazz, Classical, Dance, BassBoost, TrebleBoost, Custom}
}

// Gains returns a copy of the preset's gain table. Custom has none.
func (p Preset) Gains() ([]float64, error) {
	if p == Custom {
		return nil, nil
	}
	table, ok := presetGains[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPreset, string(p))
	}
	out := make([]float64, len(table))
	copy(out, table)
	return out, nil
}

// ParsePreset parses a preset name (case-insensitive, "-" or " " allowed for "_")
func ParsePreset(name string) (Preset, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.NewReplacer("-", "_", " ", "_").Replace(n)
	p := Preset(n)
	if p == Custom {
		return Custom, nil
	}
	if _, ok := presetGains[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
	return p, nil
}

// Clamp clamps a value to [min, max]
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
