package cmd

import (
	"fmt"

	"github.com/audiolibrelab/stemdeck/internal/stem"

	"github.com/spf13/cobra"
)

var downloadCmd = &cobra.Command{
	Use:   "download [manifest] [stem...]",
	Short: "Save stems of a manifest into the output directory",
	Long: `Download the stems of a JSON manifest as <name>_<stem>.mp3 into output.directory.
Without stem arguments every stem is downloaded; each download is independent.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		if name != "" {
			cfg.Output.OriginalName = name
		}

		set, err := readManifest(args[0])
		if err != nil {
			return err
		}

		var only []stem.Stem
		for _, arg := range args[1:] {
			s, err := stem.Parse(arg)
			if err != nil {
				return err
			}
			only = append(only, s)
		}

		r := newRunner()
		defer r.Close()

		fmt.Printf("Output directory: %s\n", cfg.Output.Directory)
		if err := r.downloadStems(cmd.Context(), set, only); err != nil {
			return fmt.Errorf("download failed: %w", err)
		}

		st := &pipelineState{input: args[0], set: set}
		return continuePipeline(cmd.Context(), cmd, r, st, 'd')
	},
}

func init() {
	downloadCmd.Flags().String("name", "", "base file name (overrides output.original_name)")
	addMixFlags(downloadCmd)
}
