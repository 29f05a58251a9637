package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play [manifest]",
	Short: "Play the stems of a manifest in sync",
	Long: `Preload every stem of a JSON manifest and start an interactive player.
Type commands such as play, pause, seek 1:30, vol drums 70% or mute vocals.
Starting levels can be given with --vocals, --drums, --bass, --other and --mute.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		set, err := readManifest(args[0])
		if err != nil {
			return err
		}

		r := newRunner()
		defer r.Close()

		tr, err := r.preloadStems(cmd.Context(), set)
		if err != nil {
			return fmt.Errorf("preload failed: %w", err)
		}
		if err := r.play(cmd.Context(), cmd, tr); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}

		st := &pipelineState{input: args[0], set: set, tr: tr}
		return continuePipeline(cmd.Context(), cmd, r, st, 'p')
	},
}

func init() {
	addMixFlags(playCmd)
}
