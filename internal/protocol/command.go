// Package protocol defines the text commands understood by the remote sound device.
//
// Every command is a single NAME:VALUE pair sent on its own connection, e.g.
// "VOL:70", "PLAY:1" or "EQ910:-1.5". The device answers with one line that is
// only used for logging.
package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/teslashibe/go-eqlink/internal/equalizer"
)

// Command names
const (
	NameVolume = "VOL"
	NamePlay   = "PLAY"
	eqPrefix   = "EQ"
)

// Gain limits accepted by the device
const (
	MinGain = -15.0
	MaxGain = 15.0
)

// ErrMalformed is returned by Parse for lines that are not NAME:VALUE commands
var ErrMalformed = errors.New("malformed command")

// eqCodes maps canonical band labels to command names
var eqCodes = map[string]string{
	"60Hz":   "EQ60",
	"230Hz":  "EQ230",
	"910Hz":  "EQ910",
	"3.6kHz": "EQ3600",
	"14kHz":  "EQ14000",
}

// Command is a single device command
type Command struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// String returns the wire form of the command
func (c Command) String() string {
	return c.Name + ":" + c.Value
}

// IsEqualizer reports whether the command sets a band gain
func (c Command) IsEqualizer() bool {
	return strings.HasPrefix(c.Name, eqPrefix)
}

// Float returns the command value as a number
func (c Command) Float() (float64, error) {
	v, err := strconv.ParseFloat(c.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: value %q", ErrMalformed, c.Value)
	}
	return v, nil
}

// VolumePercent creates a volume command, clamping to [0, 100]
func VolumePercent(percent int) Command {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return Command{Name: NameVolume, Value: strconv.Itoa(percent)}
}

// Volume creates a volume command from a [0, 1] level
func Volume(level float64) Command {
	level = equalizer.Clamp(level, 0, 1)
	return VolumePercent(int(math.Round(level * 100)))
}

// Play creates a playback flag command
func Play(playing bool) Command {
	if playing {
		return Command{Name: NamePlay, Value: "1"}
	}
	return Command{Name: NamePlay, Value: "0"}
}

// EqualizerCode returns the command name for a band label.
// Unknown labels map to the first slot, as the device firmware does.
func EqualizerCode(label string) string {
	if code, ok := eqCodes[label]; ok {
		return code
	}
	return "EQ60"
}

// EqualizerBand creates a band gain command for a canonical band label
func EqualizerBand(label string, gain float64) Command {
	return Command{Name: EqualizerCode(label), Value: FormatGain(gain)}
}

// EqualizerBandIndex creates a band gain command by slot index
func EqualizerBandIndex(index int, gain float64) Command {
	label := ""
	if index >= 0 && index < len(equalizer.CanonicalLabels) {
		label = equalizer.CanonicalLabels[index]
	}
	return EqualizerBand(label, gain)
}

// EqualizerBands creates one command per band in band order
func EqualizerBands(bands []equalizer.Band) []Command {
	cmds := make([]Command, 0, len(bands))
	for _, b := range bands {
		cmds = append(cmds, EqualizerBand(b.Label, b.Gain))
	}
	return cmds
}

// FormatGain clamps a gain to the device range and renders it as a decimal
// with at least one fractional digit ("5.0", "-1.5").
func FormatGain(gain float64) string {
	if math.IsNaN(gain) {
		gain = 0
	}
	gain = equalizer.Clamp(gain, MinGain, MaxGain)
	gain = math.Round(gain*100) / 100
	if gain == 0 {
		gain = 0 // drop negative zero
	}
	s := strconv.FormatFloat(gain, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// Parse parses a wire command. Surrounding whitespace is ignored.
func Parse(line string) (Command, error) {
	line = strings.TrimSpace(line)
	name, value, ok := strings.Cut(line, ":")
	if !ok || name == "" || value == "" {
		return Command{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	return Command{Name: name, Value: value}, nil
}
