package cmd

import (
	"fmt"

	"github.com/audiolibrelab/stemdeck/internal/fetch"
	"github.com/audiolibrelab/stemdeck/internal/media"

	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List audio backends and the stem URL kinds that can be loaded",
	Long:  `List the audio backends stemdeck can play through and the kinds of stem URLs it can fetch with the current configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("=== AUDIO BACKENDS ===")
		for _, b := range media.GetAvailableBackends() {
			marker := " "
			if string(b) == cfg.Audio.Backend {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, b)
		}

		client := fetch.New(fetch.WithGoogleCredentialsFile(cfg.Storage.GoogleCredentialsFile))
		defer client.Close()

		fmt.Println("\n=== STEM SOURCES ===")
		for _, src := range client.Sources() {
			status := "available"
			if !src.Available {
				status = "unavailable (set storage.google_credentials_file)"
			}
			fmt.Printf("%-34s %-45s %s\n", src.Scheme, src.Description, status)
		}
		return nil
	},
}
