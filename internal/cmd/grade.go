package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/netlab-tools/labgrade/internal/config"
	"github.com/netlab-tools/labgrade/internal/expect"
	"github.com/netlab-tools/labgrade/internal/log"
	"github.com/netlab-tools/labgrade/internal/metrics"
	"github.com/netlab-tools/labgrade/internal/mount"
	"github.com/netlab-tools/labgrade/internal/report"
	"github.com/netlab-tools/labgrade/internal/scenario"
	"github.com/netlab-tools/labgrade/internal/scoring"
	"github.com/netlab-tools/labgrade/internal/session"
	"github.com/netlab-tools/labgrade/internal/vm"
	"github.com/netlab-tools/labgrade/internal/workspace"
)

// exitInterrupted is the conventional status for a SIGINT-terminated process.
const exitInterrupted = 130

// shutdownTimeout bounds the VM shutdown that follows every run.
const shutdownTimeout = 5 * time.Minute

var (
	gradeWorkspace    string
	gradeScenario     string
	gradeScenarioFile string
	gradeResults      string
	gradeMetricsFile  string
	gradeSeed         int64
	gradeToken        bool
	gradeNoSummary    bool
	gradeHelper       string
)

var gradeCmd = &cobra.Command{
	Use:   "grade",
	Short: "Boot the lab VM and grade the submission",
	Long: `Grade a lab submission end to end.

This command:
  - Boots the lab VM with the folder shared over 9p
  - Runs the grading scenario over SSH
  - Writes the results file and shuts the VM down

With --token, a fresh anti-tamper token is written into the shared
folder first and every probed web page must echo it. Only enable it
when the lab's web service serves that file instead of its own hash.

Examples:
  labgrade grade
  labgrade grade --workspace ~/submission --results ./results.json
  labgrade grade --scenario bgp-hijacking-basic --seed 7
  labgrade grade --token --helper ./labweb`,
	Args: cobra.NoArgs,
	RunE: runGrade,
}

func init() {
	gradeCmd.Flags().StringVarP(&gradeWorkspace, "workspace", "w", "", "submission folder share spec (default from guest.share)")
	gradeCmd.Flags().StringVarP(&gradeScenario, "scenario", "s", "", "built-in scenario name (default from grading.scenario)")
	gradeCmd.Flags().StringVar(&gradeScenarioFile, "scenario-file", "", "load the scenario from a YAML file")
	gradeCmd.Flags().StringVarP(&gradeResults, "results", "o", "", "results file (default from report.path)")
	gradeCmd.Flags().StringVar(&gradeMetricsFile, "metrics-textfile", "", "write Prometheus metrics to this file")
	gradeCmd.Flags().Int64Var(&gradeSeed, "seed", 0, "seed for query target selection (0 picks one)")
	gradeCmd.Flags().BoolVar(&gradeToken, "token", false, "require probed pages to echo a fresh anti-tamper token")
	gradeCmd.Flags().BoolVar(&gradeNoSummary, "no-summary", false, "do not print the grading summary")
	gradeCmd.Flags().StringVar(&gradeHelper, "helper", "", "copy this executable into the shared folder for the run")

	rootCmd.AddCommand(gradeCmd)
}

func runGrade(cmd *cobra.Command, _ []string) error {
	cfg := *appConfig
	if gradeWorkspace != "" {
		cfg.Guest.Share = gradeWorkspace
	}
	if gradeScenario != "" {
		cfg.Grading.Scenario = gradeScenario
	}
	if gradeScenarioFile != "" {
		cfg.Grading.ScenarioFile = gradeScenarioFile
	}
	if gradeResults != "" {
		cfg.Report.Path = gradeResults
	}
	if gradeMetricsFile != "" {
		cfg.Metrics.Textfile = gradeMetricsFile
	}
	if gradeSeed != 0 {
		cfg.Grading.Seed = gradeSeed
	}
	if gradeToken {
		cfg.Grading.AntiTamper = true
	}
	if gradeNoSummary {
		cfg.Report.Summary = false
	}

	sc, err := loadScenario(cfg.Grading)
	if err != nil {
		return err
	}
	vmCfg, err := cfg.VMConfig(sc.LabDir)
	if err != nil {
		return err
	}
	validator, err := mount.NewValidator(cfg.BlockedPaths)
	if err != nil {
		return fmt.Errorf("failed to create mount validator: %w", err)
	}
	if err := validator.Validate(vmCfg.Share); err != nil {
		return err
	}

	store, err := session.NewStore(cfg.Runs.Dir)
	if err != nil {
		return fmt.Errorf("failed to access run store: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	job := &gradeJob{
		scenario: sc,
		cfg:      &cfg,
		vmCfg:    vmCfg,
		store:    store,
		metrics:  metrics.New(),
		out:      cmd.OutOrStdout(),
		logger:   log.WithComponent("grade"),
		helper:   gradeHelper,
	}
	job.manager = vm.NewQEMUManager(vmCfg, vm.Options{
		Metrics:      job.metrics,
		Validator:    validator,
		OnTransition: job.transition,
	})
	return job.execute(ctx)
}

func loadScenario(g config.Grading) (*scenario.Scenario, error) {
	if g.ScenarioFile != "" {
		return scenario.LoadFile(g.ScenarioFile)
	}
	return scenario.Builtin(g.Scenario)
}

// gradeJob is one grading run: token, VM, scenario, report.
type gradeJob struct {
	scenario *scenario.Scenario
	cfg      *config.Config
	vmCfg    vm.Config
	manager  vm.Manager
	store    *session.Store
	metrics  *metrics.Recorder
	out      io.Writer
	logger   zerolog.Logger
	helper   string
	sleep    expect.Sleeper
	newToken func() string

	run *session.Run
}

func (j *gradeJob) execute(ctx context.Context) error {
	started := time.Now()
	share := j.vmCfg.Share

	j.run = &session.Run{
		ID:       session.NewID(),
		Scenario: j.scenario.Name,
		Share: session.Share{
			Source:   share.Source,
			Target:   share.Target,
			ReadOnly: share.ReadOnly,
			Tag:      share.Tag,
		},
		Workspace:   filepath.Join(share.Source, j.scenario.LabDir),
		Image:       j.vmCfg.Image,
		State:       string(vm.StateNotStarted),
		SSHPort:     j.vmCfg.Endpoint.Port,
		StartedAt:   started,
		ResultsPath: j.cfg.Report.Path,
	}
	if err := j.store.Save(j.run); err != nil {
		return fmt.Errorf("failed to save run record: %w", err)
	}
	j.logger = j.logger.With().Str("run", j.run.ID).Str("scenario", j.scenario.Name).Logger()
	j.logger.Info().Str("workspace", j.run.Workspace).Msg("grading run started")

	var token string
	if j.cfg.Grading.AntiTamper {
		if j.newToken == nil {
			j.newToken = workspace.NewToken
		}
		token = j.newToken()
		if err := workspace.WriteToken(filepath.Join(share.Source, workspace.TokenFile), token); err != nil {
			j.finish(session.ExitBootFailed, nil)
			return &ExitError{Code: 1, Err: err}
		}
	}
	if j.helper != "" {
		installed, err := workspace.InstallHelper(j.helper, share.Source)
		if err != nil {
			j.finish(session.ExitBootFailed, nil)
			return &ExitError{Code: 1, Err: err}
		}
		defer func() {
			if err := workspace.RemoveHelper(installed); err != nil {
				j.logger.Warn().Err(err).Msg("remove helper")
			}
		}()
	}

	before, err := workspace.Take(share.Source)
	if err != nil {
		j.logger.Warn().Err(err).Msg("snapshot submission")
	}

	defer j.shutdown(ctx)

	if err := j.manager.Launch(ctx); err != nil {
		return j.bootFailure(ctx, fmt.Errorf("launch VM: %w", err))
	}

	ch, err := j.manager.AcquireSession(ctx)
	if err != nil {
		return j.bootFailure(ctx, fmt.Errorf("connect to VM: %w", err))
	}
	defer func() { _ = ch.Close() }()

	if err := j.manager.PrepareGuest(ctx, ch); err != nil {
		// The start step reports a missing lab directory on its own.
		j.logger.Error().Err(err).Msg("prepare guest")
	}

	seed := j.cfg.Grading.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	logger := log.WithComponent("scenario").With().Str("run", j.run.ID).Logger()
	driver, err := scenario.New(j.scenario, scenario.Options{
		Token:       token,
		Rand:        rand.New(rand.NewSource(seed)),
		Sleep:       j.sleep,
		Metrics:     j.metrics,
		Logger:      &logger,
		HostLabDir:  filepath.Join(share.Source, j.scenario.LabDir),
		GuestLabDir: j.vmCfg.LabPath(),
	})
	if err != nil {
		j.finish(session.ExitAborted, nil)
		return err
	}

	rep, runErr := driver.Run(ctx, ch)
	if runErr != nil {
		j.logger.Warn().Err(runErr).Msg("scenario cut short")
	}

	if err := report.Write(j.cfg.Report.Path, rep); err != nil {
		j.finish(session.ExitAborted, nil)
		return err
	}
	j.logger.Info().
		Int("score", rep.Score()).
		Int("max_score", rep.MaxScore()).
		Str("path", j.cfg.Report.Path).
		Msg("results written")

	if j.cfg.Report.Summary {
		report.PrintSummary(j.out, rep)
	}

	if before != nil {
		if after, err := workspace.Take(share.Source); err != nil {
			j.logger.Warn().Err(err).Msg("snapshot submission")
		} else {
			changes := workspace.Diff(before, after)
			j.run.Changes = len(changes)
			if j.cfg.Report.Summary {
				workspace.PrintChanges(j.out, share.Source, changes)
			}
		}
	}

	j.metrics.RecordRun(j.scenario.Name, time.Since(started))
	if j.cfg.Metrics.Textfile != "" {
		if err := j.metrics.WriteTextfile(j.cfg.Metrics.Textfile); err != nil {
			j.logger.Warn().Err(err).Msg("write metrics textfile")
		}
	}

	reason := session.ExitGraded
	switch {
	case ctx.Err() != nil:
		reason = session.ExitInterrupted
	case runErr != nil:
		reason = session.ExitAborted
	}
	j.finish(reason, &rep)
	return nil
}

// bootFailure ends a run that never reached the scenario. No report is
// written.
func (j *gradeJob) bootFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		j.finish(session.ExitInterrupted, nil)
		return &ExitError{Code: exitInterrupted, Err: err}
	}
	j.finish(session.ExitBootFailed, nil)
	return &ExitError{Code: 1, Err: err}
}

// transition mirrors VM lifecycle moves into the run record.
func (j *gradeJob) transition(from, to vm.State) {
	if j.run == nil {
		return
	}
	j.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("VM state")
	pid := 0
	if j.manager != nil {
		pid = j.manager.PID()
	}
	j.run.State = string(to)
	if pid != 0 {
		j.run.PID = pid
	}
	if err := j.store.Update(j.run.ID, func(r *session.Run) {
		r.State = string(to)
		if pid != 0 {
			r.PID = pid
		}
	}); err != nil {
		j.logger.Warn().Err(err).Msg("update run record")
	}
}

func (j *gradeJob) shutdown(ctx context.Context) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := j.manager.Shutdown(sctx); err != nil && !errors.Is(err, vm.ErrInvalidTransition) {
		j.logger.Warn().Err(err).Msg("VM shutdown")
	}
	if err := j.store.Update(j.run.ID, func(r *session.Run) {
		r.State = string(j.manager.State())
	}); err != nil {
		j.logger.Warn().Err(err).Msg("update run record")
	}
}

// finish records how the run ended. rep is nil when no report was written.
func (j *gradeJob) finish(reason string, rep *scoring.Report) {
	j.run.Stop(reason, time.Now())
	if rep != nil {
		score := rep.Score()
		j.run.Score = &score
		j.run.MaxScore = rep.MaxScore()
	}
	if err := j.store.Update(j.run.ID, func(r *session.Run) {
		stoppedAt := *j.run.StoppedAt
		r.StoppedAt = &stoppedAt
		r.ExitReason = j.run.ExitReason
		r.Score = j.run.Score
		r.MaxScore = j.run.MaxScore
		r.Changes = j.run.Changes
	}); err != nil {
		j.logger.Warn().Err(err).Msg("update run record")
	}
}
