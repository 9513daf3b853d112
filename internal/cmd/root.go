// Package cmd implements the engram CLI.
package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/engramlabs/engram/internal/otel"
)

// Version info injected via ldflags at build time.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// resolvedVersion returns Version unless it is "dev" and Go build info
// carries a real module version (e.g. from go install ...@v0.3.0).
func resolvedVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}

var (
	otelShutdown func(context.Context) error

	cfgFile   string
	verbose   bool
	logLevel  string
	logFormat string
	otelFlag  bool
)

var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: "Persistent memory engine for AI coding assistants",
	Long: `Engram is a knowledge store that AI coding assistants read and write
across sessions: observations, decisions, errors, fixes, and lessons with
dedup on write, hybrid semantic search, a typed relation graph, trust
scoring, and periodic consolidation of near-duplicates.`,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()

		otelEnabled := otelFlag || verbose || os.Getenv("ENGRAM_OTEL_ENABLED") == "true"
		shutdown, err := otel.Setup("engram", resolvedVersion(), otelEnabled)
		if err != nil {
			return fmt.Errorf("initializing OpenTelemetry: %w", err)
		}
		otelShutdown = shutdown
		return nil
	},
}

func setupLogging() {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Structured logs go to stderr so stdout stays clean for piping
	// (e.g. engram mem search ... | jq).
	if logFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().
			Timestamp().
			Logger()
	}

	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./engram.config.yaml or ~/.engram/engram.config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&otelFlag, "otel", false, "enable OpenTelemetry (traces and metrics to stdout)")

	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("otel_enabled", rootCmd.PersistentFlags().Lookup("otel"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home + "/.engram")
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("engram.config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("ENGRAM")
	viper.AutomaticEnv()

	// Read config (ignore errors, the file may not exist yet).
	_ = viper.ReadInConfig()
}

// Execute runs the root command and flushes OTel on exit.
func Execute() error {
	err := rootCmd.Execute()
	if otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(ctx)
	}
	return err
}
