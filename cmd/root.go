// Package cmd implements the orchestrator command line interface.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kragentic/orchestrator/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Conversational orchestration service",
	Long: `Orchestrator runs a conversational agent over an HTTP API: a bounded
tool-call loop backed by conversation memory, a pgvector knowledge index,
and a speech synthesis fallback chain.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// initLogger builds the process logger. DEBUG in the environment lowers the
// level; LOG_JSON switches to JSON output for log collectors.
func initLogger() log.Logger {
	cfg := log.Config{Level: slog.LevelInfo}
	if os.Getenv("DEBUG") != "" {
		cfg.Level = slog.LevelDebug
	}
	if os.Getenv("LOG_JSON") != "" {
		cfg.JSON = true
	}
	logger := log.New(cfg)
	slog.SetDefault(logger)
	return logger
}
