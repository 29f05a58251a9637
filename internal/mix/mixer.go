package mix

import (
	"math"

	"github.com/audiolibrelab/stemdeck/internal/stem"
)

// DefaultVolume is the level every stem starts at.
const DefaultVolume = 1.0

// Level is the user-facing gain of one stem.
type Level struct {
	Volume float64 `json:"volume"`
	Muted  bool    `json:"muted"`
}

// Gain returns the effective linear gain: 0 when muted, Volume otherwise.
func (l Level) Gain() float64 {
	if l.Muted {
		return 0
	}
	return ClampVolume(l.Volume)
}

// ClampVolume limits v to [0, 1]. NaN maps to 0.
func ClampVolume(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// BeepVolume converts a linear gain into the exponent and silent flag used by
// an exponential volume control with base 2.
func BeepVolume(gain float64) (exponent float64, silent bool) {
	gain = ClampVolume(gain)
	if gain == 0 {
		return 0, true
	}
	return math.Log2(gain), false
}

// Mixer stores a Level per stem. It is not safe for concurrent use.
type Mixer struct {
	levels [stem.Count]Level
}

// New returns a Mixer with every stem at DefaultVolume and unmuted.
func New() *Mixer {
	m := &Mixer{}
	for i := range m.levels {
		m.levels[i] = Level{Volume: DefaultVolume}
	}
	return m
}

// Level returns the stored level for s.
func (m *Mixer) Level(s stem.Stem) Level {
	if !s.Valid() {
		return Level{}
	}
	return m.levels[s]
}

// SetVolume stores a clamped volume for s and returns the new level.
// The mute flag is left untouched.
func (m *Mixer) SetVolume(s stem.Stem, v float64) Level {
	if !s.Valid() {
		return Level{}
	}
	m.levels[s].Volume = ClampVolume(v)
	return m.levels[s]
}

// ToggleMute flips the mute flag for s and returns the new level.
// The stored volume is preserved.
func (m *Mixer) ToggleMute(s stem.Stem) Level {
	if !s.Valid() {
		return Level{}
	}
	m.levels[s].Muted = !m.levels[s].Muted
	return m.levels[s]
}

// Levels returns the levels of the given stems keyed by stem name.
func (m *Mixer) Levels(stems []stem.Stem) map[string]Level {
	out := make(map[string]Level, len(stems))
	for _, s := range stems {
		out[s.String()] = m.Level(s)
	}
	return out
}
