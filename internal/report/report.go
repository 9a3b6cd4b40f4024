// Package report renders run summaries and drift reports as plain text for
// logs and the CLI, with an optional LLM-written narrative on top.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/hensonwx/wxsync/internal/drift"
	"github.com/hensonwx/wxsync/internal/sync"
)

// RenderRun formats a run summary as indented plain text.
func RenderRun(s *sync.RunSummary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s run %s\n", s.Mode, s.Range)
	fmt.Fprintf(&b, "  duration:  %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Second))
	fmt.Fprintf(&b, "  chunks:    %d\n", len(s.Chunks))
	fmt.Fprintf(&b, "  created:   %d\n", s.Created)
	fmt.Fprintf(&b, "  updated:   %d\n", s.Updated)
	fmt.Fprintf(&b, "  unchanged: %d\n", s.Unchanged)

	if len(s.Warnings) > 0 {
		fmt.Fprintf(&b, "  warnings (%d):\n", len(s.Warnings))
		for _, w := range s.Warnings {
			fmt.Fprintf(&b, "    - %s\n", w)
		}
	}

	for _, c := range s.Chunks {
		status := c.Status
		if status == "" {
			status = "aborted"
		}
		fmt.Fprintf(&b, "  %s: %s", c.Chunk, status)
		if c.Attempts > 1 {
			fmt.Fprintf(&b, " (%d attempts)", c.Attempts)
		}
		fmt.Fprintln(&b)
	}

	return b.String()
}

// RenderDrift formats a drift report, worst findings first.
func RenderDrift(r *drift.Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "drift check %s..%s: %s\n",
		r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"), r.Worst)
	fmt.Fprintf(&b, "  fields checked: %d\n", r.Checked)

	if len(r.MissingAt) > 0 {
		fmt.Fprintf(&b, "  missing records: %s\n", strings.Join(r.MissingAt, ", "))
	}

	if len(r.Results) == 0 {
		b.WriteString("  no drift above thresholds\n")
		return b.String()
	}

	for _, res := range r.Results {
		fmt.Fprintf(&b, "  %-4s %s %s: stored %.2f, recomputed %.2f (delta %.2f, %.1f%%)\n",
			res.Status, res.DateKey, res.Field, res.Stored, res.Recomputed, res.Delta, res.Pct)
	}

	return b.String()
}
