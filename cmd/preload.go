package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var preloadCmd = &cobra.Command{
	Use:   "preload [manifest]",
	Short: "Preload every stem of a manifest and report the outcome",
	Long: `Open and load every stem listed in a JSON manifest in parallel. Each stem
resolves as loaded, failed or timed out (preload.watchdog); one failing stem never
stops the others. Prints the summary, or the full status with --json.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

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

		if asJSON {
			data, err := json.MarshalIndent(r.svc.Status().Preload, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
		}

		st := &pipelineState{input: args[0], set: set, tr: tr}
		return continuePipeline(cmd.Context(), cmd, r, st, 'l')
	},
}

func init() {
	preloadCmd.Flags().Bool("json", false, "print the preload status as JSON")
	addMixFlags(preloadCmd)
}
