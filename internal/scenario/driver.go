package scenario

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/netlab-tools/labgrade/internal/expect"
	"github.com/netlab-tools/labgrade/internal/log"
	"github.com/netlab-tools/labgrade/internal/metrics"
	"github.com/netlab-tools/labgrade/internal/remote"
	"github.com/netlab-tools/labgrade/internal/scoring"
	"github.com/netlab-tools/labgrade/internal/workspace"
)

// ErrStructural marks a failure that prevents the scenario from continuing.
var ErrStructural = errors.New("structural failure")

// StepResult is the immutable outcome of one step.
type StepResult struct {
	Index      int
	Kind       string
	Label      string
	Succeeded  bool
	Diagnostic string
	Output     string
	Duration   time.Duration
}

// Options configure a Driver.
type Options struct {
	// Token is this run's anti-tamper token. Empty disables the check.
	Token string
	// Rand picks query targets. Defaults to a time-seeded source.
	Rand *rand.Rand
	// Sleep implements settle delays and poll intervals.
	Sleep expect.Sleeper
	// Metrics is optional.
	Metrics *metrics.Recorder
	Logger  *zerolog.Logger
	// HostLabDir is the lab directory on the host, inspected by preflight.
	HostLabDir string
	// GuestLabDir replaces {lab} in commands.
	GuestLabDir string
}

// Driver interprets one Scenario. A Driver runs once.
type Driver struct {
	sc     *Scenario
	opts   Options
	engine *scoring.Engine
	logger zerolog.Logger

	results []StepResult
	failed  map[string]bool
	last    map[string]int
	snap    workspace.Snapshot
	topo    remote.Interactive
}

// New creates a driver and registers the scenario's checks.
func New(sc *Scenario, opts Options) (*Driver, error) {
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario %q: %w", sc.Name, err)
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec
	}
	if opts.Sleep == nil {
		opts.Sleep = expect.Sleep
	}
	if opts.Logger == nil {
		l := log.WithComponent("scenario")
		opts.Logger = &l
	}

	d := &Driver{
		sc:     sc,
		opts:   opts,
		engine: scoring.NewEngine(),
		logger: opts.Logger.With().Str("scenario", sc.Name).Logger(),
		failed: make(map[string]bool),
		last:   make(map[string]int),
	}
	for _, def := range sc.Checks {
		c := scoring.NewCheck(def.Key, def.Name, def.MaxScore).
			WithVisibility(scoring.Visibility(def.Visibility))
		if def.Floor != nil {
			c.WithFloor(*def.Floor)
		}
		if err := d.engine.Add(c); err != nil {
			return nil, err
		}
	}
	for i, st := range sc.Steps {
		if st.Check != "" {
			d.last[st.Check] = i
		}
	}
	return d, nil
}

// Results returns the step results recorded so far.
func (d *Driver) Results() []StepResult {
	return append([]StepResult(nil), d.results...)
}

// Run executes every step against ch. The compiled report is returned in
// all cases; a non-nil error wraps ErrStructural and means the sequence
// was cut short.
func (d *Driver) Run(ctx context.Context, ch remote.Channel) (scoring.Report, error) {
	return d.run(ctx, ch, false)
}

// Preflight executes only the leading preflight steps. It needs no VM.
func (d *Driver) Preflight(ctx context.Context) (scoring.Report, error) {
	return d.run(ctx, nil, true)
}

func (d *Driver) run(ctx context.Context, ch remote.Channel, preflightOnly bool) (scoring.Report, error) {
	defer d.closeTopology()

	for i, st := range d.sc.Steps {
		if preflightOnly && st.Kind != KindPreflight {
			break
		}

		d.logger.Info().Int("step", i+1).Str("kind", st.Kind).Msg(st.Label())
		started := time.Now()
		res, abort, err := d.runStep(ctx, ch, st)
		res.Index, res.Kind, res.Label = i, st.Kind, st.Label()
		res.Duration = time.Since(started)
		if err != nil {
			res.Succeeded = false
			if res.Diagnostic == "" {
				res.Diagnostic = err.Error()
			}
		}
		d.results = append(d.results, res)
		d.opts.Metrics.ObserveStep(st.Kind, res.Duration, err == nil && res.Succeeded)

		if err != nil {
			d.opts.Metrics.StructuralFailure(st.Kind)
			if st.FailureMessage != "" {
				d.engine.Note(st.FailureMessage)
			}
			d.engine.Note(fmt.Sprintf("%s: %s", st.Label(), res.Diagnostic))
			d.logger.Error().Err(err).Str("step", st.Label()).Msg("scenario aborted")
			if !errors.Is(err, ErrStructural) {
				err = fmt.Errorf("%w: %s: %w", ErrStructural, st.Label(), err)
			}
			return d.finish(), err
		}

		if err := d.resolveChecks(i); err != nil {
			return d.finish(), err
		}
		if abort {
			if err := d.finalize(st.Check); err != nil {
				return d.finish(), err
			}
			d.logger.Warn().Str("step", st.Label()).Msg("preflight failed, remaining steps skipped")
			return d.finish(), nil
		}
	}
	return d.finish(), nil
}

func (d *Driver) runStep(ctx context.Context, ch remote.Channel, st Step) (StepResult, bool, error) {
	if st.Kind == KindPreflight {
		res, err := d.preflight(st)
		return res, err == nil && !res.Succeeded && st.Aborts(), err
	}
	if ch == nil {
		return StepResult{}, false, fmt.Errorf("%w: %s: %w", ErrStructural, st.Label(), remote.ErrNotConnected)
	}

	var (
		res StepResult
		err error
	)
	switch st.Kind {
	case KindStart:
		res, err = d.start(ctx, ch, st)
	case KindProbe:
		res, err = d.probe(ctx, ch, st)
	case KindExec:
		res, err = d.exec(ctx, ch, st)
	case KindQuery:
		res, err = d.query(ctx, ch, st)
	case KindStop:
		res, err = d.stop(ctx, st)
	default:
		err = fmt.Errorf("unknown step kind %q", st.Kind)
	}
	return res, false, err
}

// resolveChecks finalizes every check whose last feeding step is index.
func (d *Driver) resolveChecks(index int) error {
	for key, last := range d.last {
		if last != index {
			continue
		}
		if err := d.finalize(key); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) finalize(key string) error {
	c, ok := d.engine.Get(key)
	if !ok || c.Finalized() {
		return nil
	}
	if err := c.Finalize(!d.failed[key]); err != nil {
		return err
	}
	d.logger.Info().Str("check", key).Int("score", c.Score()).Int("max", c.MaxScore()).
		Str("status", string(c.Status())).Msg("check resolved")
	return nil
}

func (d *Driver) finish() scoring.Report {
	report := d.engine.Compile()
	for _, r := range report.Results {
		d.opts.Metrics.RecordCheck(r.Key, r.Score, r.MaxScore)
	}
	return report
}

func (d *Driver) closeTopology() {
	if d.topo == nil {
		return
	}
	if err := d.topo.Close(); err != nil {
		d.logger.Debug().Err(err).Msg("close topology session")
	}
	d.topo = nil
}

func (d *Driver) check(key string) (*scoring.Check, error) {
	c, ok := d.engine.Get(key)
	if !ok {
		return nil, fmt.Errorf("unknown check %q", key)
	}
	return c, nil
}

func (d *Driver) expand(s, target string) string {
	return Expand(s, d.opts.GuestLabDir, target, d.opts.Token)
}

func (d *Driver) sleep(ctx context.Context, dur Duration) error {
	if dur <= 0 {
		return ctx.Err()
	}
	return d.opts.Sleep(ctx, dur.D())
}
