package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Build information (set by goreleaser)
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := newOptions()

	rootCmd := &cobra.Command{
		Use:   "resultcache",
		Short: "Inspect and maintain the SQLite cache of URL analysis results",
		Long: `resultcache manages the SQLite database that worker processes share to avoid
analysing the same URL twice. Entries are keyed by a UUIDv5 of the URL and hold
the JSON result of the analysis.

Settings are read from --config files, then RESULTCACHE_* environment variables
(e.g. RESULTCACHE_CACHE__LOCK_TIMEOUT=5s), then flags.`,
		Example: `  resultcache init --db ./results.db
  resultcache store https://example.com '{"score": 42}'
  resultcache get https://example.com
  resultcache stats --format yaml
  resultcache load --workers 8 --requests 500`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd.Context(), cmd.Flags())
		},
	}

	opts.bindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newInitCommand(opts))
	rootCmd.AddCommand(newGetCommand(opts))
	rootCmd.AddCommand(newStoreCommand(opts))
	rootCmd.AddCommand(newDeleteCommand(opts))
	rootCmd.AddCommand(newStatsCommand(opts))
	rootCmd.AddCommand(newMaintenanceCommand(opts))
	rootCmd.AddCommand(newListCommand(opts))
	rootCmd.AddCommand(newPurgeCommand(opts))
	rootCmd.AddCommand(newExportCommand(opts))
	rootCmd.AddCommand(newImportCommand(opts))
	rootCmd.AddCommand(newLoadCommand(opts))
	rootCmd.AddCommand(newWorkerCommand(opts))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), getVersionInfo())
		},
	}
}

func getVersionInfo() string {
	return fmt.Sprintf("resultcache %s (commit: %s, built: %s, go: %s)",
		version, commit, date, runtime.Version())
}
