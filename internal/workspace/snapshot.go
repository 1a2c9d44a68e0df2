// Package workspace inspects the student's submission on the host side of
// the shared folder.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"
)

// maxDigestSize bounds the files whose content is hashed.
const maxDigestSize = 16 << 20

// FileEntry records a single file's metadata at snapshot time.
type FileEntry struct {
	Path    string      `json:"path"`
	Size    int64       `json:"size"`
	ModTime time.Time   `json:"mod_time"`
	Mode    os.FileMode `json:"mode"`
	IsDir   bool        `json:"is_dir"`
	// Digest is the hex SHA-256 of regular files up to maxDigestSize.
	Digest string `json:"digest,omitempty"`
	// For summarized directories (.git, __pycache__): count of children
	ChildCount int `json:"child_count,omitempty"`
}

// Snapshot maps slash-separated paths relative to the root to their entry.
type Snapshot map[string]FileEntry

// Take walks root and returns a Snapshot. Contents of .git and __pycache__
// are summarized rather than recorded.
func Take(root string) (Snapshot, error) {
	snap := make(Snapshot)

	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		entry := FileEntry{
			Path:    rel,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Mode:    info.Mode(),
			IsDir:   d.IsDir(),
		}

		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "__pycache__" {
				children, err := os.ReadDir(p)
				if err != nil {
					return err
				}
				entry.ChildCount = len(children)
				snap[rel] = entry
				return filepath.SkipDir
			}
			snap[rel] = entry
			return nil
		}

		if info.Mode().IsRegular() && info.Size() <= maxDigestSize {
			digest, err := fileDigest(p)
			if err != nil {
				return err
			}
			entry.Digest = digest
		}

		snap[rel] = entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", root, err)
	}

	return snap, nil
}

func fileDigest(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Exists reports whether rel is present as a file or directory.
func (s Snapshot) Exists(rel string) bool {
	_, ok := s[path.Clean(rel)]
	return ok
}

// Match returns the sorted regular-file paths matching a path.Match pattern.
func (s Snapshot) Match(pattern string) ([]string, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	var matches []string
	for p, e := range s {
		if e.IsDir {
			continue
		}
		if ok, _ := path.Match(pattern, p); ok {
			matches = append(matches, p)
		}
	}
	sort.Strings(matches)
	return matches, nil
}

// Duplicates groups the files matching pattern by identical content and
// returns the groups with more than one member.
func (s Snapshot) Duplicates(pattern string) ([][]string, error) {
	matches, err := s.Match(pattern)
	if err != nil {
		return nil, err
	}

	byDigest := make(map[string][]string)
	var order []string
	for _, p := range matches {
		d := s[p].Digest
		if d == "" {
			continue
		}
		if _, seen := byDigest[d]; !seen {
			order = append(order, d)
		}
		byDigest[d] = append(byDigest[d], p)
	}

	var groups [][]string
	for _, d := range order {
		if len(byDigest[d]) > 1 {
			groups = append(groups, byDigest[d])
		}
	}
	return groups, nil
}

// Change represents a single file change.
type Change struct {
	Path    string `json:"path"`
	Type    string `json:"type"` // "created", "modified", "deleted"
	OldSize int64  `json:"old_size,omitempty"`
	NewSize int64  `json:"new_size,omitempty"`
}

// Diff compares two snapshots and returns changes sorted by path.
// - Files in after but not before = "created"
// - Files in before but not after = "deleted"
// - Files in both with a different size, modtime or digest = "modified"
func Diff(before, after Snapshot) []Change {
	var changes []Change

	for p, afterEntry := range after {
		beforeEntry, exists := before[p]
		if !exists {
			changes = append(changes, Change{Path: p, Type: "created", NewSize: afterEntry.Size})
			continue
		}
		if afterEntry.IsDir {
			continue
		}
		if beforeEntry.Size != afterEntry.Size ||
			!beforeEntry.ModTime.Equal(afterEntry.ModTime) ||
			beforeEntry.Digest != afterEntry.Digest {
			changes = append(changes, Change{
				Path:    p,
				Type:    "modified",
				OldSize: beforeEntry.Size,
				NewSize: afterEntry.Size,
			})
		}
	}

	for p, beforeEntry := range before {
		if _, exists := after[p]; !exists {
			changes = append(changes, Change{Path: p, Type: "deleted", OldSize: beforeEntry.Size})
		}
	}

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Path < changes[j].Path
	})

	return changes
}
