package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "runs"))
	require.NoError(t, err)
	return s
}

func TestStoreSaveLoad(t *testing.T) {
	s := newTestStore(t)
	run := &Run{ID: "r1", Scenario: "bgp-hijacking", State: "booting", SSHPort: 8022,
		StartedAt: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	require.NoError(t, s.Save(run))

	got, err := s.Load("r1")
	require.NoError(t, err)
	assert.Equal(t, run, got)
}

func TestStoreLoadMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreRejectsBadIDs(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.Save(&Run{}))
	assert.Error(t, s.Save(&Run{ID: "../escape"}))
}

func TestStoreUpdate(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(&Run{ID: "r1", State: "booting"}))

	require.NoError(t, s.Update("r1", func(r *Run) { r.State = "ready"; r.PID = 99 }))

	got, err := s.Load("r1")
	require.NoError(t, err)
	assert.Equal(t, "ready", got.State)
	assert.Equal(t, 99, got.PID)

	assert.ErrorIs(t, s.Update("missing", func(*Run) {}), ErrNotFound)
}

func TestStoreListSortedAndSkipsGarbage(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(&Run{ID: "late", StartedAt: base.Add(time.Hour)}))
	require.NoError(t, s.Save(&Run{ID: "early", StartedAt: base}))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "broken.json"), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("x"), 0o644))

	runs, err := s.List()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "early", runs[0].ID)
	assert.Equal(t, "late", runs[1].ID)
}

func TestStoreDelete(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(&Run{ID: "r1"}))
	require.NoError(t, s.Delete("r1"))
	require.NoError(t, s.Delete("r1"))

	runs, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(0))
	assert.False(t, ProcessAlive(-1))
}
