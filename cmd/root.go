package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/stemdeck/internal/config"
	"github.com/audiolibrelab/stemdeck/internal/service"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	pipeline     string
	profile      string
	verboseLevel int
	simulate     bool
)

var rootCmd = &cobra.Command{
	Use:   "stemdeck [input]",
	Short: "Separate a song into stems and play them back in sync",
	Long: `stemdeck sends an audio file to a source-separation service, preloads the
returned vocals, drums, bass and other stems in parallel and plays them back
as one synchronized performance with per-stem volume and mute.

When an input is provided, it acts as 'stemdeck run [input]'.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configure slog based on verbose level
		setupLogging(verboseLevel)

		// The default config file is optional, an explicit one is not
		configPath := cfgFile
		if configPath == "" {
			defaultPath := os.ExpandEnv("$HOME/.config/stemdeck.yaml")
			if _, err := os.Stat(defaultPath); err == nil {
				configPath = defaultPath
			}
		}

		var err error
		cfg, err = config.LoadWithProfile(configPath, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfgFile = configPath

		if simulate {
			cfg.Audio.Backend = "simulated"
		}

		// Validate pipeline if provided
		if err := validatePipeline(); err != nil {
			return err
		}

		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// If an input is provided, delegate to run command
		if len(args) == 1 {
			return runCmd.RunE(cmd, args)
		}
		// Otherwise show help
		return cmd.Help()
	},
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/stemdeck.yaml)")
	rootCmd.PersistentFlags().StringVarP(&pipeline, "pipeline", "p", "", "pipeline steps: s=separate, l=preload, p=play, d=download (e.g., 'slp', 'lp', 'sd')")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_profile from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug")
	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false, "use the simulated audio backend (no sound output)")

	// Add flags for direct execution
	addMixFlags(rootCmd)

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(separateCmd)
	rootCmd.AddCommand(preloadCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(serveCmd)
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	var slogLevel slog.Level
	switch {
	case level <= 0:
		slogLevel = slog.LevelInfo
	default:
		slogLevel = slog.LevelDebug
	}

	// Configure text handler for clean terminal output
	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)
}

// newService builds the service for the loaded configuration.
func newService(opts ...service.Option) *service.StemDeckService {
	return service.New(cfg, cfgFile, opts...)
}
