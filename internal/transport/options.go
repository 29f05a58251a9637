package transport

import (
	"context"
	"time"

	"github.com/audiolibrelab/stemdeck/internal/config"
)

// Options holds the timing constants of a Transport.
type Options struct {
	DriftTolerance     time.Duration
	PlaySettle         time.Duration
	SeekPauseSettle    time.Duration
	SeekCommitSettle   time.Duration
	TimeUpdateInterval time.Duration

	// CommitTimeout bounds a wait on a media commit signal.
	CommitTimeout time.Duration

	// Sleep waits for d or until ctx ends. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

func DefaultOptions() Options {
	return Options{
		DriftTolerance:     100 * time.Millisecond,
		PlaySettle:         50 * time.Millisecond,
		SeekPauseSettle:    50 * time.Millisecond,
		SeekCommitSettle:   100 * time.Millisecond,
		TimeUpdateInterval: 100 * time.Millisecond,
		CommitTimeout:      time.Second,
		Sleep:              sleep,
		Now:                time.Now,
	}
}

// OptionsFromConfig maps the transport section of the configuration.
func OptionsFromConfig(cfg config.TransportConfig) Options {
	opts := DefaultOptions()
	opts.DriftTolerance = cfg.DriftTolerance
	opts.PlaySettle = cfg.PlaySettle
	opts.SeekPauseSettle = cfg.SeekPauseSettle
	opts.SeekCommitSettle = cfg.SeekCommitSettle
	opts.TimeUpdateInterval = cfg.TimeUpdateInterval
	return opts
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Sleep == nil {
		o.Sleep = d.Sleep
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	if o.CommitTimeout <= 0 {
		o.CommitTimeout = d.CommitTimeout
	}
	return o
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
