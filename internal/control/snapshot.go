package control

import (
	"time"

	"github.com/teslashibe/go-eqlink/internal/equalizer"
	"github.com/teslashibe/go-eqlink/internal/generator"
)

// PlaybackState is the transport state of the loaded media
type PlaybackState string

const (
	Stopped PlaybackState = "stopped"
	Playing PlaybackState = "playing"
	Paused  PlaybackState = "paused"
)

// Snapshot is an immutable view of all user-facing state. A new value is
// published on every change; readers never see a partial update.
type Snapshot struct {
	Version         uint64          `json:"version"`
	Equalizer       equalizer.State `json:"equalizer"`
	Volume          float64         `json:"volume"`
	Playback        PlaybackState   `json:"playback"`
	Generator       generator.State `json:"generator"`
	RemoteConnected bool            `json:"remote_connected"`
	RemoteCheckedAt time.Time       `json:"remote_checked_at"`
	SessionID       string          `json:"session_id,omitempty"`
	Media           string          `json:"media,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Clone returns a deep copy
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Equalizer = s.Equalizer.Clone()
	return out
}

// initialSnapshot is the state before any media is loaded
func initialSnapshot(volume float64, gen generator.State) Snapshot {
	return Snapshot{
		Equalizer: equalizer.State{
			Enabled: true,
			Bands:   []equalizer.Band{},
			Preset:  equalizer.Flat,
		},
		Volume:    volume,
		Playback:  Stopped,
		Generator: gen,
		UpdatedAt: time.Now(),
	}
}
