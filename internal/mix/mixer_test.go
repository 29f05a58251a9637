package mix

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/audiolibrelab/stemdeck/internal/stem"
)

func TestMuteRoundTripKeepsVolume(t *testing.T) {
	m := New()
	m.SetVolume(stem.Vocals, 0.7)

	muted := m.ToggleMute(stem.Vocals)
	assert.True(t, muted.Muted)
	assert.Equal(t, 0.0, muted.Gain())
	assert.Equal(t, 0.7, muted.Volume)

	unmuted := m.ToggleMute(stem.Vocals)
	assert.False(t, unmuted.Muted)
	assert.Equal(t, 0.7, unmuted.Gain())
}

func TestSetVolumeClamps(t *testing.T) {
	m := New()
	assert.Equal(t, 1.0, m.SetVolume(stem.Bass, 3).Volume)
	assert.Equal(t, 0.0, m.SetVolume(stem.Bass, -1).Volume)
	assert.Equal(t, 0.0, m.SetVolume(stem.Bass, math.NaN()).Volume)
	assert.Equal(t, DefaultVolume, m.Level(stem.Drums).Volume)
}

func TestSetVolumeWhileMutedStaysSilent(t *testing.T) {
	m := New()
	m.ToggleMute(stem.Other)
	lvl := m.SetVolume(stem.Other, 0.4)
	assert.True(t, lvl.Muted)
	assert.Equal(t, 0.0, lvl.Gain())
	assert.Equal(t, 0.4, m.ToggleMute(stem.Other).Gain())
}

func TestBeepVolume(t *testing.T) {
	exp, silent := BeepVolume(1)
	assert.False(t, silent)
	assert.Equal(t, 0.0, exp)

	exp, silent = BeepVolume(0.5)
	assert.False(t, silent)
	assert.InDelta(t, -1.0, exp, 1e-9)

	_, silent = BeepVolume(0)
	assert.True(t, silent)
}

func TestLevels(t *testing.T) {
	m := New()
	m.SetVolume(stem.Drums, 0.25)
	levels := m.Levels([]stem.Stem{stem.Drums, stem.Vocals})
	assert.Len(t, levels, 2)
	assert.Equal(t, 0.25, levels["drums"].Volume)
	assert.Equal(t, 1.0, levels["vocals"].Volume)
}
