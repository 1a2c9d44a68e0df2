package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/netlab-tools/labgrade/internal/guest"
	"github.com/netlab-tools/labgrade/internal/remote"
	"github.com/netlab-tools/labgrade/internal/session"
)

var shutdownForce bool

var shutdownCmd = &cobra.Command{
	Use:   "shutdown <run-id>",
	Short: "Stop the VM of a grading run",
	Long: `Stop the lab VM left behind by a grading run.

The guest is halted over SSH; the hypervisor is killed when the guest is
unreachable or does not stop within vm.shutdown_grace. The run ID can be a
unique prefix.

Examples:
  labgrade shutdown 3f2a9c1e
  labgrade shutdown 3f2a --force`,
	Args: cobra.ExactArgs(1),
	RunE: runShutdown,
}

func init() {
	shutdownCmd.Flags().BoolVarP(&shutdownForce, "force", "f", false, "kill the hypervisor without halting the guest")
	rootCmd.AddCommand(shutdownCmd)
}

func runShutdown(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	store, err := session.NewStore(appConfig.Runs.Dir)
	if err != nil {
		return fmt.Errorf("failed to access run store: %w", err)
	}
	run, err := findRun(store, args[0])
	if err != nil {
		return err
	}
	if !run.Active() {
		_, _ = fmt.Fprintf(out, "Run %s is already stopped.\n", run.ID)
		return nil
	}

	halted := false
	if !shutdownForce {
		if err := haltGuest(cmd.Context(), run); err != nil {
			_, _ = fmt.Fprintf(out, "Warning: could not halt guest: %v\n", err)
		} else {
			halted = true
		}
	}

	if run.PID > 0 {
		if err := reapHypervisor(cmd.Context(), run.PID, halted, appConfig.VM.ShutdownGrace); err != nil {
			return fmt.Errorf("failed to stop run %s: %w", run.ID, err)
		}
	}

	if err := store.Update(run.ID, func(r *session.Run) {
		r.Stop(session.ExitShutdown, time.Now())
	}); err != nil {
		return fmt.Errorf("failed to update run %s: %w", run.ID, err)
	}

	_, _ = fmt.Fprintf(out, "Run %s stopped.\n", run.ID)
	return nil
}

func haltGuest(ctx context.Context, run *session.Run) error {
	ch, err := remote.Dial(ctx,
		remote.Endpoint{Host: appConfig.SSH.Host, Port: run.SSHPort},
		remote.Credentials{User: appConfig.SSH.User, Password: appConfig.SSH.Password},
		remote.Options{DialTimeout: appConfig.SSH.DialTimeout, CommandTimeout: appConfig.SSH.CommandTimeout},
	)
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	// The guest usually drops the connection before reporting a status.
	_, _ = ch.Execute(ctx, guest.ShutdownCommand)
	return nil
}

// reapHypervisor waits up to grace for pid to exit after a halt, then kills it.
func reapHypervisor(ctx context.Context, pid int, halted bool, grace time.Duration) error {
	if halted && grace > 0 {
		deadline := time.Now().Add(grace)
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for session.ProcessAlive(pid) && time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
	if !session.ProcessAlive(pid) {
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill hypervisor %d: %w", pid, err)
	}
	return nil
}
