// Package cli implements the rtsched command-line tool: offline simulation,
// schedulability analysis and history reports.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/nadmax/rtsched/internal/logging"
)

var (
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
)

// NewRootCmd creates the root cobra command for the rtsched CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rtsched",
		Short: "Real-time task scheduler with RMS and EDF policies",
		Long:  "rtsched simulates periodic task sets under rate-monotonic or earliest-deadline-first scheduling and reports their timing behaviour.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(flagLogLevel), flagLogFormat, cmd.ErrOrStderr())
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newSimulateCmd(),
		newAnalyzeCmd(),
		newReportCmd(),
	)

	return root
}
