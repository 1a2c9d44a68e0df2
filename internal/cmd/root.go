package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netlab-tools/labgrade/internal/config"
	"github.com/netlab-tools/labgrade/internal/log"
)

var (
	cfgFile   string
	debug     bool
	logFormat string

	appConfig *config.Config
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps a command error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "labgrade",
	Short: "labgrade - functional grader for Mininet network labs",
	Long: `labgrade boots the lab VM, drives a grading scenario against the
student's submission and writes an autograder results file.

Grade the submission in /autograder/submission:
  labgrade grade

Check a submission's files without booting the VM:
  labgrade check --workspace ~/submission

Manage grading runs:
  labgrade ps
  labgrade shutdown <run-id>
  labgrade prune`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.labgrade/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: console or json")
}

func initConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Log.Level
	if debug {
		level = "debug"
	}
	format := cfg.Log.Format
	if logFormat != "" {
		format = logFormat
	}
	switch log.Format(format) {
	case log.FormatConsole, log.FormatJSON:
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	log.Configure(log.Config{Level: level, Format: log.Format(format), Output: cmd.ErrOrStderr()})

	appConfig = cfg
	return nil
}
