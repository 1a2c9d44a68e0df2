package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// Validator refuses to export protected host paths to the guest.
type Validator struct {
	blockedPaths []string // Expanded absolute paths
}

// NewValidator creates a new Validator with the given blocked paths.
// Each blocked path is expanded and normalized to an absolute path, with
// symlinks resolved where the path exists.
func NewValidator(blockedPaths []string) (*Validator, error) {
	expanded := make([]string, 0, len(blockedPaths))

	for _, path := range blockedPaths {
		if path == "" {
			continue
		}

		expandedPath, err := homedir.Expand(path)
		if err != nil {
			return nil, fmt.Errorf("failed to expand blocked path '%s': %w", path, err)
		}

		absPath, err := filepath.Abs(expandedPath)
		if err != nil {
			return nil, fmt.Errorf("failed to convert blocked path '%s' to absolute: %w", path, err)
		}

		realPath, err := filepath.EvalSymlinks(absPath)
		if err != nil {
			realPath = filepath.Clean(absPath)
		}

		expanded = append(expanded, realPath)
	}

	return &Validator{blockedPaths: expanded}, nil
}

// Validate checks that the share's source is an existing directory that is
// not under or equal to any blocked path.
func (v *Validator) Validate(s *Share) error {
	if s == nil {
		return fmt.Errorf("share cannot be nil")
	}

	info, err := os.Stat(s.Source)
	if err != nil {
		return fmt.Errorf("share source %s: %w", s.Source, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("share source %s is not a directory", s.Source)
	}

	realPath, err := filepath.EvalSymlinks(s.Source)
	if err != nil {
		realPath = s.Source
	}

	for _, blocked := range v.blockedPaths {
		if isUnderOrEqual(realPath, blocked) {
			if realPath != s.Source {
				return fmt.Errorf("share blocked: %s resolves to protected path %s", s.Source, blocked)
			}
			return fmt.Errorf("share blocked: %s is a protected path", blocked)
		}
	}

	return nil
}

// isUnderOrEqual returns true if testPath is under or equal to basePath.
//   - "/home/user/.ssh" is under "/home/user/.ssh" (equal)
//   - "/home/user/.ssh/id_rsa" is under "/home/user/.ssh"
//   - "/home/user/.sshrc" is NOT under "/home/user/.ssh"
func isUnderOrEqual(testPath, basePath string) bool {
	if testPath == basePath {
		return true
	}

	baseWithSep := basePath
	if !strings.HasSuffix(baseWithSep, string(filepath.Separator)) {
		baseWithSep += string(filepath.Separator)
	}

	return strings.HasPrefix(testPath, baseWithSep)
}
