package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/flanksource/resultcache/cache"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

func newInitCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the cache database and enable WAL journaling",
		Long: `Create the database file, its directory and schema, and switch the file to WAL
journaling with incremental auto-vacuum. Safe to run again on an existing cache,
but not while workers are writing to it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cache.Initialize(cmd.Context(), opts.Config.Cache); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", opts.Config.Cache.DBPath)
			return nil
		},
	}
}

func newGetCommand(opts *options) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Print the cached result for a URL",
		Long:  "Print the cached result for a URL. A lookup counts as a hit.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.newCache()
			if err != nil {
				return err
			}
			result, found, err := c.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no cached result for %s", args[0])
			}
			return writeJSON(cmd.OutOrStdout(), result, !raw)
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the stored JSON without indentation")
	return cmd
}

func newStoreCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "store <url> [json|-]",
		Short: "Store a JSON result for a URL",
		Long: `Store a JSON result for a URL, replacing any previous entry and resetting its
hit statistics. The result is read from stdin when omitted or given as "-".`,
		Example: `  resultcache store https://example.com '{"score": 42}'
  analyse https://example.com | resultcache store https://example.com -`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			if len(args) == 2 && args[1] != "-" {
				payload = []byte(args[1])
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read result from stdin: %w", err)
				}
				payload = data
			}
			result := json.RawMessage(strings.TrimSpace(string(payload)))
			if !json.Valid(result) {
				return fmt.Errorf("result for %s is not valid JSON", args[0])
			}

			c, err := opts.newCache()
			if err != nil {
				return err
			}
			if err := c.Store(cmd.Context(), args[0], result); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s (%s)\n", args[0], cache.DeriveKey(args[0]))
			return nil
		},
	}
}

func newDeleteCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <url> [url...]",
		Short: "Delete cached results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.newCache()
			if err != nil {
				return err
			}
			urls := lo.Uniq(lo.Filter(args, func(url string, _ int) bool {
				return strings.TrimSpace(url) != ""
			}))

			deleted := 0
			for _, url := range urls {
				ok, err := c.Delete(cmd.Context(), url)
				if err != nil {
					return err
				}
				if ok {
					deleted++
				} else {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s was not cached\n", url)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d of %d entries\n", deleted, len(urls))
			return nil
		},
	}
}

func newStatsCommand(opts *options) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show entry counts, hits and database size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.newCache()
			if err != nil {
				return err
			}
			stats, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return writeStats(cmd.OutOrStdout(), opts.Config.Cache.DBPath, stats, format)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "o", formatTable, "Output format: table, json, yaml")
	return cmd
}

func newMaintenanceCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "maintenance",
		Short: "Checkpoint the WAL and reclaim free pages",
		Long: `Checkpoint the write-ahead log into the database, truncating it, and return pages
freed by deletions to the filesystem. Best run when workers are idle.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.newCache()
			if err != nil {
				return err
			}
			before, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if err := c.Maintenance(cmd.Context()); err != nil {
				return err
			}
			after, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Database %s -> %s, WAL %s -> %s\n",
				formatBytes(before.SizeBytes), formatBytes(after.SizeBytes),
				formatBytes(before.WALSizeBytes), formatBytes(after.WALSizeBytes))
			return nil
		},
	}
}

func newListCommand(opts *options) *cobra.Command {
	var limit int
	var format string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached entries, newest first",
		Long:  "List cached entries, newest first. Listing does not count as a hit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.newCache()
			if err != nil {
				return err
			}
			entries, err := c.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return writeEntries(cmd.OutOrStdout(), entries, format)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum entries to list (0 = all)")
	cmd.Flags().StringVarP(&format, "format", "o", formatTable, "Output format: table, json, yaml")
	return cmd
}

func newPurgeCommand(opts *options) *cobra.Command {
	var olderThan time.Duration
	var before string

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete entries created before a cutoff",
		Long: `Delete entries created before a cutoff. Entries never expire on their own; use
purge to drop results from an outdated analysis, then run maintenance to
reclaim the space.`,
		Example: `  resultcache purge --older-than 720h
  resultcache purge --before 2026-01-01T00:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cutoff time.Time
			switch {
			case before != "" && olderThan > 0:
				return errors.New("--before and --older-than are mutually exclusive")
			case before != "":
				t, err := time.Parse(time.RFC3339, before)
				if err != nil {
					return fmt.Errorf("invalid --before: %w", err)
				}
				cutoff = t
			case olderThan > 0:
				cutoff = time.Now().Add(-olderThan)
			default:
				return errors.New("one of --before or --older-than is required")
			}

			c, err := opts.newCache()
			if err != nil {
				return err
			}
			removed, err := c.Purge(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d entries created before %s\n", removed, cutoff.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Delete entries older than this duration")
	cmd.Flags().StringVar(&before, "before", "", "Delete entries created before this RFC3339 time")
	return cmd
}

func newExportCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Write every entry as a JSON array",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.newCache()
			if err != nil {
				return err
			}
			if len(args) == 0 || args[0] == "-" {
				return c.Export(cmd.Context(), cmd.OutOrStdout())
			}

			f, err := os.Create(args[0])
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", args[0], err)
			}
			if err := c.Export(cmd.Context(), f); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
}

func newImportCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Store entries from a JSON array written by export",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.newCache()
			if err != nil {
				return err
			}

			r := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", args[0], err)
				}
				defer f.Close()
				r = f
			}

			n, err := c.Import(cmd.Context(), r)
			if err != nil {
				return fmt.Errorf("imported %d entries before failing: %w", n, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d entries\n", n)
			return nil
		},
	}
}
