package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/netlab-tools/labgrade/internal/scoring"
)

// PrintSummary prints a human-readable score table.
func PrintSummary(w io.Writer, r scoring.Report) {
	_, _ = fmt.Fprintln(w, "\nGrading summary")
	_, _ = fmt.Fprintln(w, strings.Repeat("─", 60))

	if len(r.Results) == 0 {
		_, _ = fmt.Fprintln(w, "  No checks were attempted.")
	}
	for _, res := range r.Results {
		mark := "✓"
		if res.Status == scoring.StatusFailed {
			mark = "✗"
		}
		_, _ = fmt.Fprintf(w, "  %s %-2s %-42s %3d/%-3d\n", mark, res.Number, res.Name, res.Score, res.MaxScore)
	}

	_, _ = fmt.Fprintln(w, strings.Repeat("─", 60))
	_, _ = fmt.Fprintf(w, "  Total: %d/%d (%.1fs)\n", r.Score(), r.MaxScore(), r.ExecutionTime.Seconds())
	if out := strings.TrimSpace(r.Output); out != "" {
		_, _ = fmt.Fprintf(w, "\n  %s\n", strings.ReplaceAll(out, "\n", "\n  "))
	}
}
