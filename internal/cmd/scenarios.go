package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/netlab-tools/labgrade/internal/scenario"
)

var scenariosCmd = &cobra.Command{
	Use:   "scenarios",
	Short: "List built-in grading scenarios",
	Args:  cobra.NoArgs,
	RunE:  runScenarios,
}

func init() {
	rootCmd.AddCommand(scenariosCmd)
}

func runScenarios(cmd *cobra.Command, _ []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tCHECKS\tPOINTS\tDESCRIPTION")
	_, _ = fmt.Fprintln(w, "----\t------\t------\t-----------")

	for _, name := range scenario.Names() {
		sc, err := scenario.Builtin(name)
		if err != nil {
			return err
		}
		points := 0
		for _, c := range sc.Checks {
			points += c.MaxScore
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", sc.Name, len(sc.Checks), points, sc.Description)
	}

	return w.Flush()
}
