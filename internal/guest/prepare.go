// Package guest renders the shell snippets run inside the lab VM.
package guest

import (
	"fmt"
	"path"
	"strings"

	"github.com/netlab-tools/labgrade/internal/mount"
)

// ShutdownCommand halts the guest.
const ShutdownCommand = "sudo shutdown now"

// shellQuote wraps a string in single quotes with proper escaping for shell interpolation.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

// PrepareScript mounts the 9p share at its guest target and marks the lab's
// shell scripts executable. Running it twice is harmless: the mount is
// skipped when the target is already a mountpoint.
func PrepareScript(share *mount.Share, labDir string) string {
	var sb strings.Builder

	target := share.Target
	opts := "trans=virtio"
	if share.ReadOnly {
		opts += ",ro"
	}

	sb.WriteString("set -e\n")
	fmt.Fprintf(&sb, "sudo mkdir -p %s\n", shellQuote(target))
	fmt.Fprintf(&sb, "if ! mountpoint -q %s; then\n", shellQuote(target))
	fmt.Fprintf(&sb, "  sudo mount -t 9p -o %s %s %s\n", opts, shellQuote(share.Tag), shellQuote(target))
	sb.WriteString("fi\n")

	if labDir != "" && !share.ReadOnly {
		dir := path.Join(target, labDir)
		fmt.Fprintf(&sb, "cd %s\n", shellQuote(dir))
		sb.WriteString("for f in *.sh; do [ -e \"$f\" ] && chmod +x \"$f\"; done\n")
	}
	sb.WriteString("true\n")

	return sb.String()
}

// ListCommand lists a guest directory in long form.
func ListCommand(dir string) string {
	return "ls -al " + shellQuote(dir)
}
