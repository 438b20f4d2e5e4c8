// Package cli provides output writers for lexsub reports.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hyperjump/lexsub/internal/models"
)

// OutputFormat is the format for report output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputCompact is one line per result key, for evaluation scripts.
	OutputCompact OutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat validates a format name. Empty means text.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case "":
		return OutputText, nil
	case OutputText, OutputCompact, OutputJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, compact or json)", s)
	}
}

// ReportJSON is the JSON shape of a report, with results in input order.
type ReportJSON struct {
	RunID    string                            `json:"run_id,omitempty"`
	Results  []models.RankedList               `json:"results"`
	Failures []models.Failure                  `json:"failures"`
	Warnings []models.EmptyCandidateSetWarning `json:"warnings"`
	Stats    models.RunStats                   `json:"stats"`
}

// ToJSON converts a report to its JSON shape.
func ToJSON(report *models.Report) ReportJSON {
	out := ReportJSON{
		RunID:    report.RunID,
		Results:  report.Lists(),
		Failures: report.Failures,
		Warnings: report.Warnings,
		Stats:    report.Stats,
	}
	if out.Failures == nil {
		out.Failures = []models.Failure{}
	}
	if out.Warnings == nil {
		out.Warnings = []models.EmptyCandidateSetWarning{}
	}
	return out
}

// WriteReport writes report to w in the given format.
func WriteReport(w io.Writer, report *models.Report, format OutputFormat) error {
	switch format {
	case OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ToJSON(report))
	case OutputCompact:
		return writeCompact(w, report)
	default:
		writeText(w, report)
		return nil
	}
}

// writeCompact writes "word.CAT sid :: w1 s1;w2 s2;..." lines.
func writeCompact(w io.Writer, report *models.Report) error {
	for _, l := range report.Lists() {
		parts := make([]string, len(l.Candidates))
		for i, c := range l.Candidates {
			parts[i] = fmt.Sprintf("%s %.6f", c.Word, c.Score)
		}
		if _, err := fmt.Fprintf(w, "%s :: %s\n", l.Key, strings.Join(parts, ";")); err != nil {
			return err
		}
	}
	return nil
}

func writeText(w io.Writer, report *models.Report) {
	s := report.Stats
	fmt.Fprintf(w, "\n%d instances in %s: %d ranked, %d failed, %d collapsed into earlier keys\n",
		s.Instances, s.Duration.Round(time.Millisecond), s.Succeeded, s.Failed, s.Collapsed)
	if report.RunID != "" {
		fmt.Fprintf(w, "Run: %s\n", report.RunID)
	}
	fmt.Fprintln(w)
	for _, l := range report.Lists() {
		writeOneList(w, l)
	}
	if len(report.Failures) > 0 {
		fmt.Fprintln(w, "--- Failures ---")
		for _, f := range report.Failures {
			fmt.Fprintf(w, "instance %s (%s): %s\n", f.InstanceID, f.Key, Truncate(f.Reason, 200))
		}
		fmt.Fprintln(w)
	}
	if len(report.Warnings) > 0 {
		fmt.Fprintln(w, "--- Short candidate lists ---")
		for _, warn := range report.Warnings {
			fmt.Fprintln(w, warn.String())
		}
		fmt.Fprintln(w)
	}
}

func writeOneList(w io.Writer, l models.RankedList) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "%s (instance %s)\n", l.Key, l.InstanceID)
	for i, c := range l.Candidates {
		fmt.Fprintf(w, "  %2d. %-24s %-5s %.4f\n", i+1, c.Word, c.Category, c.Score)
	}
	fmt.Fprintln(w)
}

// Truncate truncates s to maxLen runes and appends "..." if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if maxLen <= 0 || len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
