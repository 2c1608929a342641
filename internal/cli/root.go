// Package cli implements the matsched command line.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/me/matsched/internal/logging"
)

var (
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
)

// NewRootCmd creates the root cobra command for the matsched CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "matsched",
		Short: "Auto-materialization scheduler for partitioned asset graphs",
		Long:  "matsched evaluates materialize, skip, and discard rules over a dependency graph each tick and decides which entity partitions to request.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.New(logging.ParseLevel(flagLogLevel), flagLogFormat)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newSimulateCmd(),
		newDaemonCmd(),
		newVersionCmd(),
	)

	return root
}
