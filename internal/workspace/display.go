package workspace

import (
	"fmt"
	"io"
	"strings"
)

const maxDisplayChanges = 20

// PrintChanges prints the files a grading run changed in the share.
func PrintChanges(w io.Writer, root string, changes []Change) {
	if len(changes) == 0 {
		_, _ = fmt.Fprintln(w, "\nNo submission changes during the run.")
		return
	}

	_, _ = fmt.Fprintf(w, "\nSubmission changes (%s)\n", root)
	_, _ = fmt.Fprintln(w, strings.Repeat("─", 40))

	if len(changes) <= maxDisplayChanges {
		for _, c := range changes {
			printChange(w, c)
		}
		return
	}

	created, modified, deleted := categorize(changes)
	shown := 0
	for _, group := range [][]Change{created, modified, deleted} {
		for _, c := range group {
			if shown >= 5 {
				break
			}
			printChange(w, c)
			shown++
		}
	}
	_, _ = fmt.Fprintf(w, "  (%d changes total: %d created, %d modified, %d deleted)\n",
		len(changes), len(created), len(modified), len(deleted))
}

func printChange(w io.Writer, c Change) {
	switch c.Type {
	case "created":
		_, _ = fmt.Fprintf(w, "  + %-50s (%s)\n", c.Path, formatSize(c.NewSize))
	case "modified":
		_, _ = fmt.Fprintf(w, "  ~ %-50s (%s → %s)\n", c.Path, formatSize(c.OldSize), formatSize(c.NewSize))
	case "deleted":
		_, _ = fmt.Fprintf(w, "  - %s\n", c.Path)
	}
}

func categorize(changes []Change) (created, modified, deleted []Change) {
	for _, c := range changes {
		switch c.Type {
		case "created":
			created = append(created, c)
		case "modified":
			modified = append(modified, c)
		case "deleted":
			deleted = append(deleted, c)
		}
	}
	return
}

// formatSize returns a human-readable file size
func formatSize(bytes int64) string {
	switch {
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
