package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/drover-dev/drover/internal/logging"
)

var (
	flagVerbose  bool
	flagJSONLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Parallel agent sessions over a shared issue backlog",
	Long: `Drover runs rounds of parallel AI agent sessions against an issue
tracker backlog. Each session claims one issue under a lease, hands it
to an execution provider, verifies that real work happened, and
publishes the result through a serialized git pipeline.

Sessions coordinate through a shared claim store, so multiple drover
processes can work the same repository without stepping on each other.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logging.Options{Debug: flagVerbose, JSON: flagJSONLogs})
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	defer logging.Sync()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSONLogs, "json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}
