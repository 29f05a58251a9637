package cmd

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/audiolibrelab/stemdeck/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the stemdeck web server to control playback through an HTTP API.
Stems are loaded with POST /api/load or uploaded for separation with POST /api/separate,
then driven with /play, /pause, /seek, /volume and /mute.

The server will display the local network URL for easy access from other devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")
		if port == "" {
			port = strconv.Itoa(cfg.Server.Port)
		}

		svc := newService()
		defer svc.Close()

		srv := server.New(svc, cfgFile, port)

		slog.Info("stemdeck web server starting", "port", port, "config", cfgFile, "backend", cfg.Audio.Backend)

		// Start server (this blocks until interrupted)
		if err := srv.Start(cmd.Context()); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "", "port for the web server (overrides server.port)")
}
