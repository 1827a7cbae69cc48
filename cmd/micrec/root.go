package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/petems/micrec/internal/config"
	"github.com/petems/micrec/internal/logging"
	"github.com/petems/micrec/internal/observe"
)

var (
	cfg         *config.Config
	cfgFile     string
	logLevel    string
	metricsAddr string
	log         zerolog.Logger
	telemetry   *observe.Provider
)

var rootCmd = &cobra.Command{
	Use:   "micrec",
	Short: "Record audio from the microphone",
	Long: `micrec captures audio from a microphone and encodes it to WAV, MP3 or
Ogg/Opus. Recording stops on Ctrl+C or when the configured time limit is
reached, and the encoded file is written to disk.`,
	Version:       Version + " (" + Commit + ")",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.Path()
		}

		var err error
		cfg, err = config.LoadFrom(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		level := cfg.LogLevel
		if cmd.Flags().Changed("log-level") {
			level = logLevel
		}
		log = logging.New(level)
		log.Debug().Str("config", path).Str("version", Version).Msg("Configuration loaded")

		addr := cfg.MetricsAddr
		if cmd.Flags().Changed("metrics-addr") {
			addr = metricsAddr
		}
		telemetry, err = observe.InitProvider(cmd.Context(), observe.ProviderConfig{
			ServiceVersion: Version,
			MetricsAddr:    addr,
			Logger:         log,
		})
		if err != nil {
			return fmt.Errorf("failed to init metrics: %w", err)
		}
		return nil
	},
}

func Execute() {
	err := rootCmd.Execute()
	if telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := telemetry.Shutdown(ctx); serr != nil {
			log.Warn().Err(serr).Msg("Metrics shutdown failed")
		}
		cancel()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "micrec:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is the platform config dir, e.g. $XDG_CONFIG_HOME/micrec/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running, e.g. 127.0.0.1:9464")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(configCmd)
}
