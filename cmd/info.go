package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/audiolibrelab/stemdeck/internal/download"
	"github.com/audiolibrelab/stemdeck/internal/stem"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info [manifest]",
	Short: "Show resolved configuration and file paths for a manifest",
	Long:  `Display the stems of a JSON manifest, the files a download would write and the resolved configuration after profile and environment overrides.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stems := stem.All[:]
		if len(args) == 1 {
			set, err := readManifest(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("=== STEMS ===\n")
			for i, e := range set.Entries() {
				role := ""
				if i == 0 {
					role = " [primary]"
				}
				fmt.Printf("%s: %s%s\n", e.Stem, e.URL, role)
			}
			stems = set.Stems()
			fmt.Println()
		}

		// Display file paths
		fmt.Printf("=== FILE PATHS ===\n")
		for _, s := range stems {
			fmt.Printf("%s: %s\n", s, filepath.Join(cfg.Output.Directory, download.FileName(cfg.Output.OriginalName, s)))
		}

		// Display resolved configuration
		fmt.Printf("\n=== RESOLVED CONFIGURATION ===\n")
		if cfg.Profile != "" {
			fmt.Printf("profile: %s\n", cfg.Profile)
		}

		fmt.Printf("\n[Separation]\n")
		fmt.Printf("base_url: %s\n", cfg.Separation.BaseURL)
		fmt.Printf("timeout: %s\n", cfg.Separation.Timeout)

		fmt.Printf("\n[Preload]\n")
		fmt.Printf("watchdog: %s\n", cfg.Preload.Watchdog)

		fmt.Printf("\n[Transport]\n")
		fmt.Printf("drift_tolerance: %s\n", cfg.Transport.DriftTolerance)
		fmt.Printf("play_settle: %s\n", cfg.Transport.PlaySettle)
		fmt.Printf("seek_pause_settle: %s\n", cfg.Transport.SeekPauseSettle)
		fmt.Printf("seek_commit_settle: %s\n", cfg.Transport.SeekCommitSettle)
		fmt.Printf("time_update_interval: %s\n", cfg.Transport.TimeUpdateInterval)

		fmt.Printf("\n[Audio]\n")
		fmt.Printf("backend: %s\n", cfg.Audio.Backend)
		fmt.Printf("sample_rate: %d\n", cfg.Audio.SampleRate)
		fmt.Printf("buffer: %s\n", cfg.Audio.Buffer)

		fmt.Printf("\n[Output]\n")
		fmt.Printf("directory: %s\n", cfg.Output.Directory)
		fmt.Printf("original_name: %s\n", cfg.Output.OriginalName)

		if cfg.Storage.GoogleCredentialsFile != "" {
			fmt.Printf("\n[Storage]\n")
			fmt.Printf("google_credentials_file: %s\n", cfg.Storage.GoogleCredentialsFile)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
