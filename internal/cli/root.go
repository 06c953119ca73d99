package cli

import (
	"log/slog"

	"github.com/me/stepflow/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
)

// NewRootCmd creates the root cobra command for the stepflow CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "stepflow",
		Short: "stepflow — deterministic step scheduler for iterative training",
		Long: `stepflow drives training runs as deterministic sequences of train,
validate, and checkpoint steps, persisting progress so interrupted runs
resume without repeating or skipping work.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Shorthand for --log-level=debug")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newInitCmd(),
		newStatusCmd(),
	)

	return root
}
