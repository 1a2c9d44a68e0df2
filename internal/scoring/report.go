package scoring

import (
	"fmt"
	"sync"
	"time"
)

// Result is the frozen view of a finalized check.
type Result struct {
	Key        string
	Name       string
	Number     string
	Score      int
	MaxScore   int
	Status     Status
	Output     string
	Visibility Visibility
}

// Report is the compiled, immutable outcome of a grading run. Checks that
// were never finalized are absent, meaning "not attempted".
type Report struct {
	Output        string
	Results       []Result
	ExecutionTime time.Duration
}

// Score is the sum of all clamped check scores.
func (r Report) Score() int {
	total := 0
	for _, res := range r.Results {
		total += res.Score
	}
	return total
}

// MaxScore is the sum of the maxima of the attempted checks.
func (r Report) MaxScore() int {
	total := 0
	for _, res := range r.Results {
		total += res.MaxScore
	}
	return total
}

// Lookup returns the result for key, if present.
func (r Report) Lookup(key string) (Result, bool) {
	for _, res := range r.Results {
		if res.Key == key {
			return res, true
		}
	}
	return Result{}, false
}

// Engine collects checks in the order they are added.
type Engine struct {
	mu       sync.Mutex
	checks   []*Check
	byKey    map[string]*Check
	output   []string
	started  time.Time
	compiled *Report
	now      func() time.Time
}

// NewEngine creates an empty engine.
func NewEngine() *Engine {
	e := &Engine{
		byKey: make(map[string]*Check),
		now:   time.Now,
	}
	e.started = e.now()
	return e
}

// Add registers a check. Keys must be unique.
func (e *Engine) Add(c *Check) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.compiled != nil {
		return fmt.Errorf("add check %q: report already compiled", c.Key())
	}
	if _, ok := e.byKey[c.Key()]; ok {
		return fmt.Errorf("add check %q: duplicate key", c.Key())
	}
	e.checks = append(e.checks, c)
	e.byKey[c.Key()] = c
	return nil
}

// Get returns the check registered under key.
func (e *Engine) Get(key string) (*Check, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.byKey[key]
	return c, ok
}

// Note appends a run-level line to the report output, e.g. the reason a
// scenario was aborted.
func (e *Engine) Note(line string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.compiled == nil {
		e.output = append(e.output, line)
	}
}

// Compile clamps every finalized check into [0, max] and freezes the engine.
// Calling Compile again returns the same report.
func (e *Engine) Compile() Report {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.compiled != nil {
		return *e.compiled
	}

	report := Report{ExecutionTime: e.now().Sub(e.started)}
	for _, line := range e.output {
		report.Output += line + "\n"
	}

	number := 0
	for _, c := range e.checks {
		if !c.Finalized() {
			continue
		}
		number++
		report.Results = append(report.Results, Result{
			Key:        c.Key(),
			Name:       c.Name(),
			Number:     fmt.Sprintf("%d", number),
			Score:      c.Score(),
			MaxScore:   c.MaxScore(),
			Status:     c.Status(),
			Output:     c.Output(),
			Visibility: c.Visibility(),
		})
	}

	e.compiled = &report
	return report
}
