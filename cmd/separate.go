package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var separateCmd = &cobra.Command{
	Use:   "separate [audio-file]",
	Short: "Split an audio file into stems with the separation service",
	Long: `Upload an audio file to the separation service configured in separation.base_url
and print the returned stems with the tempo and drum analysis. Use --output to save
the stem manifest for later preload, play or download commands.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		input := args[0]
		output, _ := cmd.Flags().GetString("output")
		full, _ := cmd.Flags().GetBool("analysis")
		kicks, _ := cmd.Flags().GetInt("kicks")

		r := newRunner()
		defer r.Close()

		fmt.Printf("Separating: %s\n", input)
		analysis, err := r.svc.Separate(cmd.Context(), input)
		if err != nil {
			return fmt.Errorf("separation failed: %w", err)
		}
		printAnalysis(analysis, kicks)

		if output != "" {
			var v interface{} = analysis.Separation.Tracks
			if full {
				v = analysis
			}
			data, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				return fmt.Errorf("error marshaling manifest: %w", err)
			}
			if err := os.WriteFile(output, append(data, '\n'), 0644); err != nil {
				return fmt.Errorf("failed to write manifest: %w", err)
			}
			fmt.Printf("Manifest saved: %s\n", output)
		}

		st := &pipelineState{input: input, set: analysis.Separation.Tracks}
		return continuePipeline(cmd.Context(), cmd, r, st, 's')
	},
}

func init() {
	separateCmd.Flags().StringP("output", "o", "", "write the stem manifest to this JSON file")
	separateCmd.Flags().Bool("analysis", false, "write the full analysis instead of the stem manifest")
	separateCmd.Flags().Int("kicks", 0, "print the first N kick timestamps")
	addMixFlags(separateCmd)
}
