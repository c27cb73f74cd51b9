// Thermostat is a command line client for the EcoFactor-hosted NV Energy
// thermostat service.
//
// It authenticates with the service's challenge-response scheme, discovers
// the thermostats for the configured location, and exposes read and write
// operations plus a watch mode that keeps local state in sync.
//
// Usage:
//
//	thermostat [command] [flags]
//
// See 'thermostat --help' for available commands.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"nve-thermostat/config"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "thermostat",
	Short: "NV Energy thermostat control",
	Long: `A command line client for NV Energy thermostats.

Authenticates against the EcoFactor-hosted API, discovers the thermostats
for the configured location, and lets you inspect state, change modes and
setpoints, or keep state synced on an interval.`,
	SilenceUsage: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config file")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(setTempCmd)
	rootCmd.AddCommand(setModeCmd)
	rootCmd.AddCommand(setFanCmd)
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
