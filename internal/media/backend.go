package media

import (
	"strings"
	"time"

	"github.com/audiolibrelab/stemdeck/internal/config"
)

// BackendType represents the type of audio backend
type BackendType string

const (
	BackendTypeBeep      BackendType = "beep"
	BackendTypeSimulated BackendType = "simulated"
)

// NewOpener creates an opener using the backend selected in configuration
func NewOpener(cfg *config.Config, fetcher Fetcher) Opener {
	switch determineBackend(cfg) {
	case BackendTypeSimulated:
		return &SimOpener{
			Default: SimConfig{
				Duration:  3 * time.Minute,
				LoadDelay: 200 * time.Millisecond,
				TickEvery: 250 * time.Millisecond,
			},
		}
	default:
		return &BeepOpener{
			Fetcher:    fetcher,
			SampleRate: cfg.Audio.SampleRate,
			Buffer:     cfg.Audio.Buffer,
		}
	}
}

// determineBackend determines which backend to use based on configuration
func determineBackend(cfg *config.Config) BackendType {
	if cfg != nil {
		switch strings.ToLower(cfg.Audio.Backend) {
		case "simulated":
			return BackendTypeSimulated
		case "beep":
			return BackendTypeBeep
		}
	}
	return BackendTypeBeep
}

// GetAvailableBackends returns list of available backends
func GetAvailableBackends() []BackendType {
	return []BackendType{BackendTypeBeep, BackendTypeSimulated}
}
