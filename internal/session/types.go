package session

import (
	"time"

	"github.com/google/uuid"
)

// Exit reasons recorded when a run ends.
const (
	ExitGraded      = "graded"      // report written, scenario completed
	ExitAborted     = "aborted"     // report written, scenario cut short
	ExitInterrupted = "interrupted" // SIGINT/SIGTERM
	ExitBootFailed  = "boot_failed" // VM never reachable, no report
	ExitShutdown    = "shutdown"    // stopped with `labgrade shutdown`
)

// Share is the host folder exposed to the guest.
type Share struct {
	Source   string `json:"source"`    // Host path
	Target   string `json:"target"`    // Guest path
	ReadOnly bool   `json:"read_only"` // Whether mount is read-only
	Tag      string `json:"tag"`       // 9p mount tag
}

// Run records one grading run and the VM that served it.
type Run struct {
	ID          string     `json:"id"`
	Scenario    string     `json:"scenario"`
	Workspace   string     `json:"workspace"`
	Share       Share      `json:"share"`
	Image       string     `json:"image"`
	State       string     `json:"state"` // VM lifecycle state
	PID         int        `json:"pid,omitempty"`
	SSHPort     int        `json:"ssh_port"`
	StartedAt   time.Time  `json:"started_at"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
	Score       *int       `json:"score,omitempty"`
	MaxScore    int        `json:"max_score,omitempty"`
	ResultsPath string     `json:"results_path,omitempty"`
	ExitReason  string     `json:"exit_reason,omitempty"`
	Changes     int        `json:"changes,omitempty"` // files the run changed in the share
}

// NewID returns a short random run ID.
func NewID() string {
	return uuid.New().String()[:8]
}

// Active reports whether the run's VM may still be running.
func (r *Run) Active() bool {
	return r.StoppedAt == nil && r.State != "stopped"
}

// Stop marks the run finished.
func (r *Run) Stop(reason string, at time.Time) {
	r.State = "stopped"
	r.ExitReason = reason
	r.StoppedAt = &at
}
