package cmd

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netlab-tools/labgrade/internal/report"
	"github.com/netlab-tools/labgrade/internal/session"
)

// execute runs the root command with a throwaway config and returns stdout.
func execute(t *testing.T, runsDir string, args ...string) (string, error) {
	t.Helper()

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	body := "runs:\n  dir: " + runsDir + "\nlog:\n  level: error\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))

	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.Execute()
	return out.String(), err
}

func TestScenariosCommand(t *testing.T) {
	out, err := execute(t, t.TempDir(), "scenarios")
	require.NoError(t, err)

	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "bgp-hijacking ")
	assert.Contains(t, out, "bgp-hijacking-basic")
	assert.Contains(t, out, "150")
}

func TestCheckCommandMissingLab(t *testing.T) {
	results := filepath.Join(t.TempDir(), "precheck.json")
	out, err := execute(t, t.TempDir(), "check", "--workspace", t.TempDir(), "--scenario", "bgp-hijacking", "--results", results)
	require.NoError(t, err)
	assert.Contains(t, out, "Total: 0/25")

	doc, err := report.Read(results)
	require.NoError(t, err)
	require.Len(t, doc.Tests, 2)
	assert.Contains(t, doc.Tests[0].Output, "not found")
}

func TestCheckCommandUnknownScenario(t *testing.T) {
	_, err := execute(t, t.TempDir(), "check", "--workspace", t.TempDir(), "--scenario", "nope", "--results", "")
	assert.Error(t, err)
}

func TestRejectsUnknownLogFormat(t *testing.T) {
	_, err := execute(t, t.TempDir(), "--log-format", "xml", "scenarios")
	assert.ErrorContains(t, err, "unknown log format")
	logFormat = ""
}

func saveRuns(t *testing.T, dir string, runs ...*session.Run) {
	t.Helper()
	store, err := session.NewStore(dir)
	require.NoError(t, err)
	for _, r := range runs {
		require.NoError(t, store.Save(r))
	}
}

func finishedRun(id string) *session.Run {
	r := &session.Run{ID: id, Scenario: "bgp-hijacking", State: "ready", StartedAt: time.Now()}
	score := 120
	r.Score, r.MaxScore = &score, 150
	r.Stop(session.ExitGraded, time.Now())
	return r
}

func TestPsAndPrune(t *testing.T) {
	dir := t.TempDir()
	active := &session.Run{
		ID:        "aaaa1111",
		Scenario:  "bgp-hijacking",
		State:     "ready",
		PID:       os.Getpid(),
		StartedAt: time.Now(),
	}
	saveRuns(t, dir, active, finishedRun("bbbb2222"))

	out, err := execute(t, dir, "ps")
	require.NoError(t, err)
	assert.Contains(t, out, "aaaa1111")
	assert.NotContains(t, out, "bbbb2222")

	out, err = execute(t, dir, "ps", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "bbbb2222")
	assert.Contains(t, out, "120/150")
	assert.Contains(t, out, "stopped (graded)")
	psAll = false

	out, err = execute(t, dir, "prune")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed run: bbbb2222")
	assert.NotContains(t, out, "aaaa1111")

	out, err = execute(t, dir, "prune")
	require.NoError(t, err)
	assert.Contains(t, out, "No runs to remove.")
}

func TestFindRun(t *testing.T) {
	dir := t.TempDir()
	saveRuns(t, dir, finishedRun("abcd0001"), finishedRun("abcd0002"), finishedRun("ffff0003"))
	store, err := session.NewStore(dir)
	require.NoError(t, err)

	r, err := findRun(store, "ffff")
	require.NoError(t, err)
	assert.Equal(t, "ffff0003", r.ID)

	r, err = findRun(store, "abcd0002")
	require.NoError(t, err)
	assert.Equal(t, "abcd0002", r.ID)

	_, err = findRun(store, "abcd")
	assert.ErrorContains(t, err, "ambiguous")

	_, err = findRun(store, "9999")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestShutdownStoppedRun(t *testing.T) {
	dir := t.TempDir()
	saveRuns(t, dir, finishedRun("cccc3333"))

	out, err := execute(t, dir, "shutdown", "cccc")
	require.NoError(t, err)
	assert.Contains(t, out, "already stopped")
}

func TestRunState(t *testing.T) {
	r := &session.Run{State: "ready", PID: os.Getpid()}
	assert.Equal(t, "ready", runState(r))
	assert.Equal(t, "-", runScore(r))

	done := finishedRun("x")
	assert.Equal(t, "stopped (graded)", runState(done))
	assert.Equal(t, "120/150", runScore(done))
	assert.True(t, prunable(done))
	assert.False(t, prunable(r))
}
