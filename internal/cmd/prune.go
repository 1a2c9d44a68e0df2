package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netlab-tools/labgrade/internal/session"
)

var pruneAll bool

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove finished run records",
	Long: `Remove the records of finished grading runs.

With --all, records of runs whose VM may still be running are removed as
well. Their hypervisor is left alone; use 'labgrade shutdown' first.`,
	Args: cobra.NoArgs,
	RunE: runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().BoolVarP(&pruneAll, "all", "a", false, "remove all run records (including active)")
}

func runPrune(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	store, err := session.NewStore(appConfig.Runs.Dir)
	if err != nil {
		return fmt.Errorf("failed to access run store: %w", err)
	}

	runs, err := store.List()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	removedCount := 0
	for _, r := range runs {
		if !pruneAll && !prunable(r) {
			continue
		}
		if err := store.Delete(r.ID); err != nil {
			_, _ = fmt.Fprintf(out, "Warning: failed to delete run %s: %v\n", r.ID, err)
			continue
		}
		_, _ = fmt.Fprintf(out, "Removed run: %s\n", r.ID)
		removedCount++
	}

	if removedCount == 0 {
		_, _ = fmt.Fprintln(out, "No runs to remove.")
	} else {
		_, _ = fmt.Fprintf(out, "Removed %d run(s).\n", removedCount)
	}
	return nil
}

// prunable reports whether a run is finished, or claims to be active while
// its hypervisor has already exited.
func prunable(r *session.Run) bool {
	if !r.Active() {
		return true
	}
	return r.PID > 0 && !session.ProcessAlive(r.PID)
}
