package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/audiolibrelab/stemdeck/internal/stem"
	"github.com/audiolibrelab/stemdeck/internal/transport"

	"github.com/spf13/cobra"
)

// addMixFlags registers the starting level flags of every stem.
func addMixFlags(c *cobra.Command) {
	for _, s := range stem.All {
		c.Flags().Float64(s.String(), -1, fmt.Sprintf("%s volume 0..1 (overrides the default of 1)", s.Title()))
	}
	c.Flags().StringSlice("mute", nil, "stems to start muted (e.g., --mute vocals,bass)")
}

// applyMix sets the levels requested on the command line before playback.
func applyMix(c *cobra.Command, tr *transport.Transport) error {
	for _, s := range stem.All {
		vol, err := c.Flags().GetFloat64(s.String())
		if err != nil || vol < 0 {
			continue
		}
		if vol > 1 {
			return fmt.Errorf("--%s must be between 0 and 1, got %.2f", s, vol)
		}
		if _, err := tr.SetVolume(s, vol); err != nil {
			if errors.Is(err, transport.ErrUnknownStem) {
				slog.Warn("Ignoring volume for a stem that is not loaded", "stem", s)
				continue
			}
			return err
		}
		fmt.Printf("%s volume: %.2f\n", s.Title(), vol)
	}

	mutes, _ := c.Flags().GetStringSlice("mute")
	for _, name := range mutes {
		s, err := stem.Parse(name)
		if err != nil {
			return fmt.Errorf("--mute: %w", err)
		}
		if tr.Level(s).Muted {
			continue
		}
		if _, err := tr.ToggleMute(s); err != nil {
			if errors.Is(err, transport.ErrUnknownStem) {
				slog.Warn("Ignoring mute for a stem that is not loaded", "stem", s)
				continue
			}
			return err
		}
		fmt.Printf("%s muted\n", s.Title())
	}
	return nil
}
