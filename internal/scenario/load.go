package scenario

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/netlab-tools/labgrade/internal/scoring"
)

//go:embed scenarios/*.yaml
var builtin embed.FS

// ErrUnknownScenario is returned by Builtin for names with no embedded file.
var ErrUnknownScenario = errors.New("unknown scenario")

// Names lists the built-in scenarios, sorted.
func Names() []string {
	entries, err := fs.ReadDir(builtin, "scenarios")
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".yaml") {
			names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
		}
	}
	sort.Strings(names)
	return names
}

// Builtin loads an embedded scenario by name.
func Builtin(name string) (*Scenario, error) {
	data, err := builtin.ReadFile(path.Join("scenarios", name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownScenario, name, strings.Join(Names(), ", "))
	}
	return Parse(data)
}

// LoadFile reads and parses a scenario YAML file.
func LoadFile(p string) (*Scenario, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a scenario, rejecting unknown fields, and validates it.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario %q: %w", sc.Name, err)
	}
	return &sc, nil
}

// Validate checks required fields and cross references.
func (sc *Scenario) Validate() error {
	if sc.Name == "" {
		return errors.New("name is required")
	}
	if sc.LabDir == "" {
		return errors.New("lab_dir is required")
	}
	if len(sc.Steps) == 0 {
		return errors.New("steps list is required and must be non-empty")
	}

	checks := make(map[string]bool, len(sc.Checks))
	for i, c := range sc.Checks {
		if c.Key == "" || c.Name == "" {
			return fmt.Errorf("checks[%d]: key and name are required", i)
		}
		if checks[c.Key] {
			return fmt.Errorf("checks[%d]: duplicate key %q", i, c.Key)
		}
		if c.MaxScore < 0 {
			return fmt.Errorf("check %q: max_score must not be negative", c.Key)
		}
		if c.Floor != nil && *c.Floor > c.MaxScore {
			return fmt.Errorf("check %q: floor %d exceeds max_score %d", c.Key, *c.Floor, c.MaxScore)
		}
		switch scoring.Visibility(c.Visibility) {
		case "", scoring.VisibilityVisible, scoring.VisibilityHidden,
			scoring.VisibilityAfterDueDate, scoring.VisibilityAfterPublished:
		default:
			return fmt.Errorf("check %q: unknown visibility %q", c.Key, c.Visibility)
		}
		checks[c.Key] = true
	}

	started := false
	for i, st := range sc.Steps {
		if st.Check != "" && !checks[st.Check] {
			return fmt.Errorf("steps[%d]: unknown check %q", i, st.Check)
		}
		if err := validateStep(st, started); err != nil {
			return fmt.Errorf("steps[%d] (%s): %w", i, st.Kind, err)
		}
		if st.Kind == KindStart {
			started = true
		}
		if st.Kind == KindStop {
			started = false
		}
	}
	return nil
}

func validateStep(st Step, started bool) error {
	switch st.Kind {
	case KindPreflight:
		if st.Check == "" {
			return errors.New("check is required")
		}
		for _, g := range st.Distinct {
			if g.Pattern == "" {
				return errors.New("distinct pattern is required")
			}
			if _, err := path.Match(g.Pattern, ""); err != nil {
				return fmt.Errorf("distinct pattern %q: %w", g.Pattern, err)
			}
			if g.Deduct > 0 {
				return fmt.Errorf("distinct deduct %d must not be positive", g.Deduct)
			}
		}
	case KindStart:
		if st.Command == "" || st.Marker == "" {
			return errors.New("command and marker are required")
		}
		if started {
			return errors.New("topology already started")
		}
		if st.Attempts < 0 {
			return errors.New("attempts must not be negative")
		}
	case KindProbe:
		if st.Check == "" || st.Command == "" {
			return errors.New("check and command are required")
		}
		if len(st.Targets) == 0 {
			return errors.New("at least one target is required")
		}
		for _, t := range st.Targets {
			if err := validateTarget(t); err != nil {
				return fmt.Errorf("target %q: %w", t.Host, err)
			}
		}
		switch st.OnFailure {
		case "", OnFailureContinue, OnFailureStop:
		default:
			return fmt.Errorf("unknown on_failure %q", st.OnFailure)
		}
	case KindExec:
		if st.Command == "" {
			return errors.New("command is required")
		}
	case KindQuery:
		if st.Check == "" || len(st.Sends) == 0 || st.Expect == nil {
			return errors.New("check, sends and expect are required")
		}
		if err := validateTarget(*st.Expect); err != nil {
			return fmt.Errorf("expect: %w", err)
		}
	case KindStop:
		if st.Command == "" {
			return errors.New("command is required")
		}
		if !started {
			return errors.New("stop without a preceding start")
		}
	default:
		return fmt.Errorf("unknown step kind %q", st.Kind)
	}
	return nil
}

func validateTarget(t Target) error {
	switch t.Expect {
	case ExpectContains, ExpectAbsent:
	default:
		return fmt.Errorf("unknown expectation %q", t.Expect)
	}
	if t.Marker == "" {
		return errors.New("marker is required")
	}
	if t.Deduct > 0 {
		return fmt.Errorf("deduct %d must not be positive", t.Deduct)
	}
	return nil
}
