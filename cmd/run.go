package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [input]",
	Short: "Execute pipeline steps on a song",
	Long: `Execute the specified pipeline steps. Use -p to specify which steps to run.
When the pipeline starts with 's', input is an audio file to separate;
otherwise it is a JSON stem manifest ({"vocals": "<url>", ...}).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if pipeline == "" {
			return fmt.Errorf("no pipeline specified, use -p flag (e.g., -p slp)")
		}

		r := newRunner()
		defer r.Close()

		st := &pipelineState{input: args[0]}
		return runSteps(cmd.Context(), cmd, r, st, []rune(strings.ToLower(pipeline)))
	},
}

func init() {
	addMixFlags(runCmd)
}
