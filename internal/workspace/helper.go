package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// InstallHelper copies an executable into dir, typically the share root, so
// the guest can run it. The copy replaces any previous one atomically.
func InstallHelper(src, dir string) (string, error) {
	info, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("install helper: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("install helper: %s is not a regular file", src)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("install helper: %w", err)
	}

	dst := filepath.Join(dir, filepath.Base(src))
	if err := renameio.WriteFile(dst, data, 0o755); err != nil {
		return "", fmt.Errorf("install helper: %w", err)
	}
	return dst, nil
}

// RemoveHelper deletes a helper installed by InstallHelper. A missing file is
// not an error.
func RemoveHelper(p string) error {
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove helper: %w", err)
	}
	return nil
}
