// Package commands implements udperf's cobra command tree: a sender
// and a receiver subcommand sharing the flag vocabulary config.TestConfig
// also accepts from a file or UDPERF_-prefixed environment variables.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/udperf/internal/config"
)

var (
	// configPath is the optional YAML config file, shared by every
	// subcommand via a persistent flag.
	configPath string

	// logger is built once PersistentPreRunE has read configPath, so
	// every subcommand's RunE can assume it is non-nil.
	logger *slog.Logger
)

// rootCmd is the top-level cobra command for udperf.
var rootCmd = &cobra.Command{
	Use:   "udperf",
	Short: "UDP throughput measurement tool",
	Long:  "udperf measures UDP throughput between a sender and a receiver, in the style of iperf.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		logger = newLogger(configPath)
		return nil
	},
	// Silence cobra's built-in usage/error printing; commands report
	// their own errors through the exit codes spec.md §6 describes.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to configuration file (YAML)")

	rootCmd.AddCommand(senderCmd())
	rootCmd.AddCommand(receiverCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and returns the process exit code:
// 0 on success, 1 on a failed run, 2 on an argument/config error.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)

		if _, ok := asExitCoder(err); ok {
			return 1
		}

		return 2
	}

	return 0
}

// exitCoder is implemented by errors that originate from a completed
// (but failed) run, as opposed to a bad flag or config value.
type exitCoder interface {
	exitCode() int
}

func asExitCoder(err error) (exitCoder, bool) {
	ec, ok := err.(exitCoder) //nolint:errorlint // single-level type assertion on a locally-defined marker interface
	return ec, ok
}

// newLogger builds the process-wide structured logger from configPath,
// falling back to DefaultConfig()'s settings if the file can't be read
// (a logger is needed to report that very failure).
func newLogger(path string) *slog.Logger {
	cfg, err := config.Load(path)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	level := new(slog.LevelVar)
	level.Set(config.ParseLogLevel(cfg.Log.Level))

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
