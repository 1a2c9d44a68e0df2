// Package mount describes the host directory shared into the lab VM over 9p.
package mount

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// DefaultTag is the 9p mount tag used when a spec names none.
const DefaultTag = "submission"

var tagPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,31}$`)

// Share is a host directory exported to the guest with -virtfs.
type Share struct {
	Tag      string // 9p mount tag
	Source   string // Host path (expanded absolute path)
	Target   string // Guest mountpoint (defaults to Source)
	ReadOnly bool   // Default false: the guest needs to chmod scripts
}

// Parse parses a share specification.
//
// Formats:
//   - "/autograder/submission" -> tag "submission", target equal to source, rw
//   - "/host/dir:ro" -> read-only, target equal to source
//   - "/host/dir:/guest/dir" -> explicit target
//   - "/host/dir:/guest/dir:rw" -> explicit target and mode
//   - "lab=/host/dir:/guest/dir" -> explicit 9p tag
func Parse(spec string) (*Share, error) {
	if spec == "" {
		return nil, fmt.Errorf("share specification cannot be empty")
	}

	share := &Share{Tag: DefaultTag}
	if tag, rest, ok := strings.Cut(spec, "="); ok {
		if !tagPattern.MatchString(tag) {
			return nil, fmt.Errorf("invalid mount tag %q", tag)
		}
		share.Tag = tag
		spec = rest
	}

	parts := strings.Split(spec, ":")

	source, err := expandPath(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid source path: %w", err)
	}
	share.Source = source
	share.Target = source

	switch len(parts) {
	case 1:
	case 2:
		if isMode(parts[1]) {
			share.ReadOnly = parts[1] == "ro"
			break
		}
		if share.Target, err = guestPath(parts[1]); err != nil {
			return nil, err
		}
	case 3:
		if share.Target, err = guestPath(parts[1]); err != nil {
			return nil, err
		}
		if !isMode(parts[2]) {
			return nil, fmt.Errorf("invalid mode '%s': must be 'ro' or 'rw'", parts[2])
		}
		share.ReadOnly = parts[2] == "ro"
	default:
		return nil, fmt.Errorf("invalid share specification: too many colons")
	}

	return share, nil
}

// VirtFSArg renders the value of QEMU's -virtfs option.
func (s *Share) VirtFSArg(id string) string {
	arg := fmt.Sprintf("local,id=%s,path=%s,mount_tag=%s,security_model=none", id, s.Source, s.Tag)
	if s.ReadOnly {
		arg += ",readonly=on"
	}
	return arg
}

// HostPath maps a path relative to the guest mountpoint back to the host.
func (s *Share) HostPath(rel ...string) string {
	return filepath.Join(append([]string{s.Source}, rel...)...)
}

// GuestPath joins rel onto the guest mountpoint.
func (s *Share) GuestPath(rel ...string) string {
	return filepath.ToSlash(filepath.Join(append([]string{s.Target}, rel...)...))
}

func isMode(s string) bool {
	return s == "ro" || s == "rw"
}

// guestPath validates a guest-side path. It is not expanded against the host
// home directory.
func guestPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("invalid target path: path cannot be empty")
	}
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("invalid target path %q: must be absolute", p)
	}
	return filepath.Clean(p), nil
}

// expandPath expands ~ to home directory and returns an absolute path
func expandPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}

	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("failed to expand path: %w", err)
	}

	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("failed to convert to absolute path: %w", err)
	}

	return filepath.Clean(abs), nil
}
