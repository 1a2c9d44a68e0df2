package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/netlab-tools/labgrade/internal/session"
)

var psAll bool

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List grading runs",
	Long:  `List grading runs whose VM may still be running. Use --all to include finished runs.`,
	Args:  cobra.NoArgs,
	RunE:  runPs,
}

func init() {
	psCmd.Flags().BoolVarP(&psAll, "all", "a", false, "include finished runs")
	rootCmd.AddCommand(psCmd)
}

func runPs(cmd *cobra.Command, _ []string) error {
	store, err := session.NewStore(appConfig.Runs.Dir)
	if err != nil {
		return fmt.Errorf("failed to access run store: %w", err)
	}

	runs, err := store.List()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	var shown []*session.Run
	for _, r := range runs {
		if psAll || r.Active() {
			shown = append(shown, r)
		}
	}

	out := cmd.OutOrStdout()
	if len(shown) == 0 {
		_, _ = fmt.Fprintln(out, "No running grading runs.")
		return nil
	}

	// Create tabwriter for aligned output
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSCENARIO\tSTATE\tSCORE\tSTARTED\tWORKSPACE")
	_, _ = fmt.Fprintln(w, "--\t--------\t-----\t-----\t-------\t---------")

	for _, r := range shown {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			r.Scenario,
			runState(r),
			runScore(r),
			r.StartedAt.Format("2006-01-02 15:04:05"),
			r.Workspace,
		)
	}

	return w.Flush()
}

// runState flags active runs whose hypervisor is gone.
func runState(r *session.Run) string {
	state := r.State
	if r.Active() && r.PID > 0 && !session.ProcessAlive(r.PID) {
		state += " (exited)"
	}
	if !r.Active() && r.ExitReason != "" {
		state += " (" + r.ExitReason + ")"
	}
	return strings.TrimSpace(state)
}

func runScore(r *session.Run) string {
	if r.Score == nil {
		return "-"
	}
	return fmt.Sprintf("%d/%d", *r.Score, r.MaxScore)
}

// findRun resolves a run by ID or unique ID prefix.
func findRun(store *session.Store, idOrPrefix string) (*session.Run, error) {
	if r, err := store.Load(idOrPrefix); err == nil {
		return r, nil
	}

	runs, err := store.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	var match *session.Run
	for _, r := range runs {
		if !strings.HasPrefix(r.ID, idOrPrefix) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("run prefix %q is ambiguous", idOrPrefix)
		}
		match = r
	}
	if match == nil {
		return nil, fmt.Errorf("run %s: %w", idOrPrefix, session.ErrNotFound)
	}
	return match, nil
}
