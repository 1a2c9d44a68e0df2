package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/netlab-tools/labgrade/internal/remote"
	"github.com/netlab-tools/labgrade/internal/session"
)

var attachCmd = &cobra.Command{
	Use:   "attach <run-id>",
	Short: "Open a shell on a grading run's VM",
	Long: `Open an interactive shell on the lab VM of a running grading run.

The run ID can be a unique prefix. Type ~. at the start of a line to detach.

Examples:
  labgrade attach 3f2a9c1e
  labgrade attach 3f2a  # partial match`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

func init() {
	rootCmd.AddCommand(attachCmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	store, err := session.NewStore(appConfig.Runs.Dir)
	if err != nil {
		return fmt.Errorf("failed to access run store: %w", err)
	}
	run, err := findRun(store, args[0])
	if err != nil {
		return err
	}
	if !run.Active() {
		return fmt.Errorf("run %s is not running (state: %s)", run.ID, run.State)
	}

	ch, err := remote.Dial(cmd.Context(),
		remote.Endpoint{Host: appConfig.SSH.Host, Port: run.SSHPort},
		remote.Credentials{User: appConfig.SSH.User, Password: appConfig.SSH.Password},
		remote.Options{DialTimeout: appConfig.SSH.DialTimeout},
	)
	if err != nil {
		return fmt.Errorf("failed to connect to run %s: %w", run.ID, err)
	}
	defer func() { _ = ch.Close() }()

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Attaching to run %s... (~. to detach)\n", run.ID)

	err = ch.Attach(os.Stdin, out)
	if errors.Is(err, remote.ErrUserDetach) {
		_, _ = fmt.Fprintln(out, "\nDetached from run")
		return nil
	}
	return err
}
