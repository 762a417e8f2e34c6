package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/metorial/sentinel-runner/internal/models"
)

func FormatJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func FormatExecution(w io.Writer, res models.ExecutionResult) error {
	fmt.Fprintf(w, "Request: %s\n", res.RequestID)
	fmt.Fprintf(w, "Status: %s\n", res.Status)
	if res.PortalID != "" {
		fmt.Fprintf(w, "Portal: %s\n", res.PortalID)
	}
	if res.CollectorID != "" {
		fmt.Fprintf(w, "Collector: %s\n", res.CollectorID)
	}
	fmt.Fprintf(w, "Started: %s\n", formatTime(res.StartedAt))
	fmt.Fprintf(w, "Duration: %s\n", formatDuration(res.DurationMs))
	if res.ErrorMessage != "" {
		fmt.Fprintf(w, "Error: %s\n", res.ErrorMessage)
	}

	if res.RawOutput != "" {
		fmt.Fprintf(w, "\n%s", res.RawOutput)
		if !strings.HasSuffix(res.RawOutput, "\n") {
			fmt.Fprintln(w)
		}
	}
	return nil
}

func FormatExecutionsTable(w io.Writer, results []models.ExecutionResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REQUEST\tPORTAL\tCOLLECTOR\tSTATUS\tSTARTED\tDURATION\tERROR")

	for _, res := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			res.RequestID,
			res.PortalID,
			res.CollectorID,
			res.Status,
			formatTime(res.StartedAt),
			formatDuration(res.DurationMs),
			firstLine(res.ErrorMessage),
		)
	}

	return tw.Flush()
}

func FormatCatalog(w io.Writer, cat Catalog) error {
	if cat.Catalog == nil {
		fmt.Fprintln(w, "No snippet catalog cached")
		return nil
	}

	meta := cat.Catalog.Meta
	fmt.Fprintf(w, "Fetched: %s from portal %s, collector %s\n",
		formatTime(meta.FetchedAt), meta.FetchedFromPortal, meta.FetchedFromCollector)
	if meta.CollectorDescription != "" {
		fmt.Fprintf(w, "Collector: %s\n", meta.CollectorDescription)
	}

	for _, group := range cat.Groups {
		fmt.Fprintf(w, "\n%s (%d)\n", group.Category, len(group.Snippets))

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, s := range group.Snippets {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", s.Name, s.Version, s.Language, firstLine(s.Description))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func FormatSource(w io.Writer, src models.SnippetSource) error {
	fmt.Fprintf(w, "// %s@%s fetched %s\n", src.Name, src.Version, formatTime(src.FetchedAt))
	_, err := fmt.Fprintln(w, src.Code)
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatDuration(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return (time.Duration(ms) * time.Millisecond).String()
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i] + "..."
	}
	return s
}
