package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/netlab-tools/labgrade/internal/log"
	"github.com/netlab-tools/labgrade/internal/mount"
	"github.com/netlab-tools/labgrade/internal/report"
	"github.com/netlab-tools/labgrade/internal/scenario"
	"github.com/netlab-tools/labgrade/internal/scoring"
)

var (
	checkWorkspace    string
	checkScenario     string
	checkScenarioFile string
	checkResults      string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the submission file checks without booting the VM",
	Long: `Run only the leading file checks of a scenario (report, sanity) against
a submission folder on this machine. No VM is started.

Examples:
  labgrade check
  labgrade check --workspace ~/submission
  labgrade check -w ~/submission --results ./precheck.json`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVarP(&checkWorkspace, "workspace", "w", "", "submission folder (default from guest.share)")
	checkCmd.Flags().StringVarP(&checkScenario, "scenario", "s", "", "built-in scenario name (default from grading.scenario)")
	checkCmd.Flags().StringVar(&checkScenarioFile, "scenario-file", "", "load the scenario from a YAML file")
	checkCmd.Flags().StringVarP(&checkResults, "results", "o", "", "also write a results file")

	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, _ []string) error {
	g := appConfig.Grading
	if checkScenario != "" {
		g.Scenario = checkScenario
	}
	if checkScenarioFile != "" {
		g.ScenarioFile = checkScenarioFile
	}
	sc, err := loadScenario(g)
	if err != nil {
		return err
	}

	spec := appConfig.Guest.Share
	if checkWorkspace != "" {
		spec = checkWorkspace
	}
	share, err := mount.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid workspace: %w", err)
	}

	rep, err := preflight(cmd, sc, filepath.Join(share.Source, sc.LabDir))
	if err != nil {
		return err
	}
	report.PrintSummary(cmd.OutOrStdout(), rep)

	if checkResults != "" {
		return report.Write(checkResults, rep)
	}
	return nil
}

func preflight(cmd *cobra.Command, sc *scenario.Scenario, labDir string) (scoring.Report, error) {
	logger := log.WithComponent("check")
	driver, err := scenario.New(sc, scenario.Options{
		Logger:     &logger,
		HostLabDir: labDir,
	})
	if err != nil {
		return scoring.Report{}, err
	}
	return driver.Preflight(cmd.Context())
}
