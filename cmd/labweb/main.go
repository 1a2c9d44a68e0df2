// Command labweb serves a lab host's web page inside the guest.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/netlab-tools/labgrade/internal/labweb"
	"github.com/netlab-tools/labgrade/internal/log"
	"github.com/netlab-tools/labgrade/internal/workspace"
)

func main() {
	var (
		cfg   labweb.Config
		debug bool
	)

	root := &cobra.Command{
		Use:   "labweb",
		Short: "Serve a lab host's web page stamped with the grading token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level := "info"
			if debug {
				level = "debug"
			}
			log.Configure(log.Config{Level: level, Format: log.FormatJSON})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return labweb.Serve(ctx, cfg)
		},
	}
	root.Flags().StringVar(&cfg.Text, "text", labweb.DefaultText, "page text")
	root.Flags().StringVar(&cfg.Addr, "addr", ":80", "listen address")
	root.Flags().StringVar(&cfg.TokenFile, "token-file",
		filepath.Join("/autograder/submission", workspace.TokenFile), "file holding the run token")
	root.Flags().BoolVar(&debug, "debug", false, "log every request")

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "labweb:", err)
		os.Exit(1)
	}
}
