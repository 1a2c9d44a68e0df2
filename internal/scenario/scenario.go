// Package scenario describes grading runs as data and interprets them
// against a remote channel into the lab VM.
package scenario

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Step kinds.
const (
	KindPreflight = "preflight"
	KindStart     = "start"
	KindProbe     = "probe"
	KindExec      = "exec"
	KindQuery     = "query"
	KindStop      = "stop"
)

// Expectation kinds.
const (
	ExpectContains = "contains"
	ExpectAbsent   = "absent"
)

// Probe group failure policies.
const (
	OnFailureContinue = "continue"
	OnFailureStop     = "stop"
)

// Scenario is one lab variant: the checks it scores and the ordered steps
// that feed them.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description is shown by `labgrade scenarios`.
	Description string `yaml:"description"`

	// LabDir is the lab directory relative to the shared submission folder.
	LabDir string `yaml:"lab_dir"`

	// Checks are reported in this order.
	Checks []CheckDef `yaml:"checks"`

	// Steps run in order until one fails structurally.
	Steps []Step `yaml:"steps"`
}

// CheckDef declares a scored check.
type CheckDef struct {
	Key        string `yaml:"key"`
	Name       string `yaml:"name"`
	MaxScore   int    `yaml:"max_score"`
	Floor      *int   `yaml:"floor,omitempty"`
	Visibility string `yaml:"visibility,omitempty"`
}

// Step is a single typed action. Which fields apply depends on Kind.
//
// Commands may use the placeholders {lab} (guest lab directory), {target}
// and {token}.
type Step struct {
	Kind string `yaml:"kind"`
	Name string `yaml:"name,omitempty"`

	// Check is the key of the check this step resolves or feeds.
	Check string `yaml:"check,omitempty"`

	// preflight
	Required []string        `yaml:"required,omitempty"`
	Distinct []DistinctGroup `yaml:"distinct,omitempty"`
	Feedback []string        `yaml:"feedback,omitempty"`
	Abort    *bool           `yaml:"abort,omitempty"`

	// start, exec, probe, stop
	Command string   `yaml:"command,omitempty"`
	Settle  Duration `yaml:"settle,omitempty"`

	// start
	Marker   string   `yaml:"marker,omitempty"`
	Attempts int      `yaml:"attempts,omitempty"`
	Interval Duration `yaml:"interval,omitempty"`

	// start, probe, query
	ReadSize int `yaml:"read_size,omitempty"`

	// probe
	Targets         []Target `yaml:"targets,omitempty"`
	OnFailure       string   `yaml:"on_failure,omitempty"`
	Interrupt       string   `yaml:"interrupt,omitempty"`
	InterruptSettle Duration `yaml:"interrupt_settle,omitempty"`
	SkipToken       bool     `yaml:"skip_token,omitempty"`

	// query
	Choices []string `yaml:"choices,omitempty"`
	Sends   []Send   `yaml:"sends,omitempty"`
	Expect  *Target  `yaml:"expect,omitempty"`

	// FailureMessage explains an abort caused by this step.
	FailureMessage string `yaml:"failure_message,omitempty"`
}

// Aborts reports whether a failed preflight ends the run. Defaults to true.
func (s Step) Aborts() bool {
	return s.Abort == nil || *s.Abort
}

// Label names the step in logs and diagnostics.
func (s Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Check != "" {
		return s.Kind + " " + s.Check
	}
	return s.Kind
}

// DistinctGroup requires every file matching Pattern to have unique content.
type DistinctGroup struct {
	Pattern string `yaml:"pattern"`
	Deduct  int    `yaml:"deduct"`
	Reason  string `yaml:"reason"`
}

// Target is one probed endpoint and what its output must show.
type Target struct {
	Host   string `yaml:"host,omitempty"`
	Expect string `yaml:"expect"`
	Marker string `yaml:"marker"`
	Deduct int    `yaml:"deduct"`
	Reason string `yaml:"reason"`
}

// Send is one line typed into a query session.
type Send struct {
	Line   string   `yaml:"line"`
	Settle Duration `yaml:"settle,omitempty"`
}

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// D converts to time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"5s\"", node.Line)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	if v < 0 {
		return fmt.Errorf("line %d: negative duration %q", node.Line, s)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Expand substitutes the command placeholders.
func Expand(command, lab, target, token string) string {
	return strings.NewReplacer(
		"{lab}", lab,
		"{target}", target,
		"{token}", token,
	).Replace(command)
}
