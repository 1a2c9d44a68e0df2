package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/mitchellh/go-homedir"
)

// ErrNotFound is returned when no record exists for a run ID.
var ErrNotFound = errors.New("run not found")

// Store manages run records at ~/.labgrade/runs/
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir, or at ~/.labgrade/runs when dir is
// empty.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		home, err := homedir.Dir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".labgrade", "runs")
	}

	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand runs directory: %w", err)
	}
	if err := os.MkdirAll(expanded, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create runs directory: %w", err)
	}

	return &Store{dir: expanded}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save persists a run record atomically.
func (s *Store) Save(run *Run) error {
	if run.ID == "" || strings.ContainsAny(run.ID, `/\`) {
		return fmt.Errorf("invalid run id %q", run.ID)
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	if err := renameio.WriteFile(s.path(run.ID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write run file: %w", err)
	}

	return nil
}

// Load reads a run record by ID
func (s *Store) Load(id string) (*Run, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read run file: %w", err)
	}

	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}

	return &run, nil
}

// Update loads a run, applies fn and saves it.
func (s *Store) Update(id string, fn func(*Run)) error {
	run, err := s.Load(id)
	if err != nil {
		return err
	}
	fn(run)
	return s.Save(run)
}

// List returns all saved runs, oldest first.
func (s *Store) List() ([]*Run, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Run{}, nil
		}
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	var runs []*Run
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		run, err := s.Load(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue // Skip unreadable records
		}
		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
	return runs, nil
}

// Delete removes a run record
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return nil // Already deleted
		}
		return fmt.Errorf("failed to delete run file: %w", err)
	}

	return nil
}

// Dir returns the run storage directory
func (s *Store) Dir() string {
	return s.dir
}
