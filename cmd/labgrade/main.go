// Command labgrade grades Mininet lab submissions inside a QEMU VM.
package main

import (
	"fmt"
	"os"

	"github.com/netlab-tools/labgrade/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "labgrade:", err)
		os.Exit(cmd.ExitCode(err))
	}
}
