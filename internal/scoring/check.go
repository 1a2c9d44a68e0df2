package scoring

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrFinalized is returned when a finalized check is mutated.
	ErrFinalized = errors.New("check already finalized")
	// ErrPositiveDeduction is returned when a deduction would add points.
	ErrPositiveDeduction = errors.New("deduction must not be positive")
)

// Status is the pass/fail state of a check.
type Status string

const (
	StatusPending Status = "pending"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
)

// Visibility mirrors the autograder visibility flag of a test.
type Visibility string

const (
	VisibilityVisible        Visibility = "visible"
	VisibilityHidden         Visibility = "hidden"
	VisibilityAfterDueDate   Visibility = "after_due_date"
	VisibilityAfterPublished Visibility = "after_published"
)

// Check is one independently scored unit. It starts at its maximum score and
// accumulates signed deductions until it is finalized.
type Check struct {
	key        string
	name       string
	max        int
	score      int
	floor      *int
	status     Status
	feedback   []string
	visibility Visibility
}

// NewCheck creates a pending check whose running score equals max. Negative
// maxima are treated as zero.
func NewCheck(key, name string, max int) *Check {
	if max < 0 {
		max = 0
	}
	return &Check{
		key:        key,
		name:       name,
		max:        max,
		score:      max,
		status:     StatusPending,
		visibility: VisibilityVisible,
	}
}

// WithFloor bounds deductions so the running score never drops below floor.
func (c *Check) WithFloor(floor int) *Check {
	c.floor = &floor
	return c
}

// WithVisibility sets the report visibility of the check.
func (c *Check) WithVisibility(v Visibility) *Check {
	if v != "" {
		c.visibility = v
	}
	return c
}

func (c *Check) Key() string { return c.key }
func (c *Check) Name() string { return c.name }
func (c *Check) MaxScore() int { return c.max }
func (c *Check) Status() Status { return c.status }
func (c *Check) Visibility() Visibility { return c.visibility }

// RunningScore is the unclamped score, which may be negative.
func (c *Check) RunningScore() int { return c.score }

// Score is the clamped score in [0, MaxScore].
func (c *Check) Score() int {
	return clamp(c.score, 0, c.max)
}

// Feedback returns a copy of the accumulated feedback lines.
func (c *Check) Feedback() []string {
	return append([]string(nil), c.feedback...)
}

// Finalized reports whether Finalize has been called.
func (c *Check) Finalized() bool { return c.status != StatusPending }

// Deduct subtracts amount (which must be <= 0) from the running score and
// records reason as feedback.
func (c *Check) Deduct(amount int, reason string) error {
	if c.Finalized() {
		return fmt.Errorf("deduct from %q: %w", c.key, ErrFinalized)
	}
	if amount > 0 {
		return fmt.Errorf("deduct %d from %q: %w", amount, c.key, ErrPositiveDeduction)
	}
	c.score += amount
	if c.floor != nil && c.score < *c.floor {
		c.score = *c.floor
	}
	if reason != "" {
		c.feedback = append(c.feedback, reason)
	}
	return nil
}

// AddFeedback appends a line of feedback without changing the score.
func (c *Check) AddFeedback(line string) error {
	if c.Finalized() {
		return fmt.Errorf("add feedback to %q: %w", c.key, ErrFinalized)
	}
	c.feedback = append(c.feedback, line)
	return nil
}

// Finalize resolves the check. It may be called exactly once.
func (c *Check) Finalize(passed bool) error {
	if c.Finalized() {
		return fmt.Errorf("finalize %q: %w", c.key, ErrFinalized)
	}
	if passed {
		c.status = StatusPassed
	} else {
		c.status = StatusFailed
	}
	return nil
}

// Output joins feedback the way the results file expects it.
func (c *Check) Output() string {
	if len(c.feedback) == 0 {
		return ""
	}
	return strings.Join(c.feedback, "\n") + "\n"
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
