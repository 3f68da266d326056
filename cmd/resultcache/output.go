package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/flanksource/resultcache/cache"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func writeJSON(w io.Writer, data json.RawMessage, indent bool) error {
	if !indent {
		_, err := fmt.Fprintln(w, string(data))
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func writeValue(w io.Writer, v any, format string) error {
	switch format {
	case formatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)
	case formatYAML:
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(v); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return encoder.Close()
	default:
		return fmt.Errorf("unsupported format %q: must be one of %s, %s, %s", format, formatTable, formatJSON, formatYAML)
	}
}

func writeStats(w io.Writer, path string, stats cache.Stats, format string) error {
	if format != formatTable {
		return writeValue(w, stats, format)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Database:\t%s\n", path)
	fmt.Fprintf(tw, "Entries:\t%s\n", humanize.Comma(stats.Count))
	fmt.Fprintf(tw, "Total hits:\t%s\n", humanize.Comma(stats.TotalHits))
	fmt.Fprintf(tw, "Oldest:\t%s\n", formatOptionalTime(stats.Oldest))
	fmt.Fprintf(tw, "Newest:\t%s\n", formatOptionalTime(stats.Newest))
	fmt.Fprintf(tw, "Size:\t%s\n", formatBytes(stats.SizeBytes))
	fmt.Fprintf(tw, "WAL size:\t%s\n", formatBytes(stats.WALSizeBytes))
	return tw.Flush()
}

// entryView decodes the stored result so yaml renders it as a document
// rather than raw bytes.
type entryView struct {
	LastHitAt *time.Time `json:"last_hit_at,omitempty" yaml:"last_hit_at,omitempty"`
	Result    any        `json:"result" yaml:"result"`
	URL       string     `json:"url" yaml:"url"`
	Key       string     `json:"key" yaml:"key"`
	CreatedAt time.Time  `json:"created_at" yaml:"created_at"`
	HitCount  int64      `json:"hit_count" yaml:"hit_count"`
}

func writeEntries(w io.Writer, entries []cache.Entry, format string) error {
	if format != formatTable {
		views := lo.Map(entries, func(entry cache.Entry, _ int) entryView {
			view := entryView{
				LastHitAt: entry.LastHitAt,
				URL:       entry.URL,
				Key:       entry.Key,
				CreatedAt: entry.CreatedAt,
				HitCount:  entry.HitCount,
			}
			if err := json.Unmarshal(entry.Result, &view.Result); err != nil {
				view.Result = string(entry.Result)
			}
			return view
		})
		return writeValue(w, views, format)
	}

	if len(entries) == 0 {
		fmt.Fprintln(w, "No cached entries")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "URL\tKEY\tCREATED\tHITS\tLAST HIT\tSIZE\n")
	fmt.Fprintf(tw, "---\t---\t-------\t----\t--------\t----\n")
	for _, entry := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			entry.URL,
			entry.Key,
			humanize.Time(entry.CreatedAt),
			entry.HitCount,
			formatOptionalAge(entry.LastHitAt),
			formatBytes(int64(len(entry.Result))))
	}
	return tw.Flush()
}

func formatBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(n))
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", t.Format(time.RFC3339), humanize.Time(*t))
}

func formatOptionalAge(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return humanize.Time(*t)
}
