package scenario

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/netlab-tools/labgrade/internal/expect"
	"github.com/netlab-tools/labgrade/internal/remote"
	"github.com/netlab-tools/labgrade/internal/workspace"
)

const (
	defaultStartReadSize   = 2048
	defaultProbeReadSize   = 4096
	defaultInterrupt       = "\x03"
	defaultInterruptSettle = Duration(2 * time.Second)
)

func structural(st Step, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrStructural, st.Label(), fmt.Sprintf(format, args...))
}

func wrapStructural(st Step, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStructural, st.Label(), err)
}

func sendLine(s remote.Interactive, line string) error {
	return s.Send([]byte(line + "\n"))
}

func (d *Driver) snapshot() (workspace.Snapshot, error) {
	if d.snap != nil {
		return d.snap, nil
	}
	if d.opts.HostLabDir == "" {
		return nil, errors.New("no host lab directory configured")
	}
	snap, err := workspace.Take(d.opts.HostLabDir)
	if err != nil {
		return nil, err
	}
	d.snap = snap
	return snap, nil
}

// preflight resolves a check from the submission as it sits on the host.
// A failed preflight is an assessment, not a structural failure.
func (d *Driver) preflight(st Step) (StepResult, error) {
	c, err := d.check(st.Check)
	if err != nil {
		return StepResult{}, err
	}
	res := StepResult{Succeeded: true}

	fail := func(amount int, reason string) error {
		res.Succeeded = false
		d.failed[st.Check] = true
		if res.Diagnostic == "" {
			res.Diagnostic = reason
		}
		return c.Deduct(amount, reason)
	}

	snap, err := d.snapshot()
	if err != nil {
		d.logger.Warn().Err(err).Msg("submission not readable")
		if err := fail(-c.MaxScore(), fmt.Sprintf("Lab directory %s not found, invalid submission", d.sc.LabDir)); err != nil {
			return res, err
		}
	}

	if res.Succeeded {
		for _, rel := range st.Required {
			if snap.Exists(rel) {
				continue
			}
			if err := fail(-c.MaxScore(), fmt.Sprintf("Missing required file: %s, invalid submission", rel)); err != nil {
				return res, err
			}
			break
		}
	}

	if res.Succeeded {
		for _, g := range st.Distinct {
			groups, err := snap.Duplicates(g.Pattern)
			if err != nil {
				return res, err
			}
			if len(groups) == 0 {
				continue
			}
			d.logger.Info().Str("pattern", g.Pattern).Interface("duplicates", groups).Msg("identical files")
			if err := fail(g.Deduct, g.Reason); err != nil {
				return res, err
			}
		}
	}

	for _, line := range st.Feedback {
		if err := c.AddFeedback(line); err != nil {
			return res, err
		}
	}
	if !res.Succeeded && st.Aborts() && st.FailureMessage != "" {
		if err := c.AddFeedback(st.FailureMessage); err != nil {
			return res, err
		}
	}
	return res, nil
}

// start launches the topology on a session that stays open for stop.
func (d *Driver) start(ctx context.Context, ch remote.Channel, st Step) (StepResult, error) {
	sess, err := ch.OpenInteractive()
	if err != nil {
		return StepResult{}, structural(st, "open shell: %v", err)
	}
	keep := false
	defer func() {
		if !keep {
			_ = sess.Close()
		}
	}()

	if err := sendLine(sess, d.expand(st.Command, "")); err != nil {
		return StepResult{}, structural(st, "send start command: %v", err)
	}
	if err := d.sleep(ctx, st.Settle); err != nil {
		return StepResult{}, wrapStructural(st, err)
	}

	readSize := st.ReadSize
	if readSize <= 0 {
		readSize = defaultStartReadSize
	}
	initial, err := sess.Receive(readSize)
	if err != nil {
		return StepResult{Output: string(initial)}, structural(st, "read startup output: %v", err)
	}

	out, err := expect.Poll(ctx, sess, string(initial), st.Marker, expect.PollConfig{
		Attempts: st.Attempts,
		Interval: st.Interval.D(),
		ReadSize: readSize,
		Sleep:    d.opts.Sleep,
	})
	res := StepResult{Output: out}
	if errors.Is(err, expect.ErrMarkerNotFound) {
		res.Diagnostic = fmt.Sprintf("startup marker %q not observed after %d polls", st.Marker, st.Attempts)
		return res, structural(st, "%s", res.Diagnostic)
	}
	if err != nil {
		return res, structural(st, "wait for startup: %v", err)
	}

	keep = true
	d.topo = sess
	d.logger.Debug().Str("output", out).Msg("topology started")

	if st.Check != "" {
		c, err := d.check(st.Check)
		if err != nil {
			return res, err
		}
		if err := c.AddFeedback("Output: " + out); err != nil {
			return res, err
		}
	}
	res.Succeeded = true
	return res, nil
}

// probe observes each target on a fresh shell and feeds one check.
func (d *Driver) probe(ctx context.Context, ch remote.Channel, st Step) (StepResult, error) {
	c, err := d.check(st.Check)
	if err != nil {
		return StepResult{}, err
	}
	res := StepResult{Succeeded: true}
	var outputs []string

	for _, t := range st.Targets {
		out, err := d.probeTarget(ctx, ch, st, t.Host)
		outputs = append(outputs, out)
		res.Output = strings.Join(outputs, "\n")
		if err != nil {
			return res, wrapStructural(st, fmt.Errorf("probe %s: %w", t.Host, err))
		}
		d.logger.Info().Str("target", t.Host).Str("output", out).Msg("probe output")
		if err := c.AddFeedback("Output: " + out); err != nil {
			return res, err
		}

		ok, amount, reason := d.assess(t, t.Host, out, c.MaxScore(), !st.SkipToken)
		if ok {
			continue
		}
		res.Succeeded = false
		if res.Diagnostic == "" {
			res.Diagnostic = reason
		}
		d.failed[st.Check] = true
		if err := c.Deduct(amount, reason); err != nil {
			return res, err
		}
		if st.OnFailure == OnFailureStop {
			d.logger.Info().Str("target", t.Host).Msg("probe group stopped after failure")
			break
		}
	}
	return res, nil
}

func (d *Driver) probeTarget(ctx context.Context, ch remote.Channel, st Step, target string) (string, error) {
	sess, err := ch.OpenInteractive()
	if err != nil {
		return "", err
	}
	defer sess.Close()

	if err := sendLine(sess, d.expand(st.Command, target)); err != nil {
		return "", err
	}
	if err := d.sleep(ctx, st.Settle); err != nil {
		return "", err
	}

	interrupt, settle := st.Interrupt, st.InterruptSettle
	if interrupt == "" {
		interrupt = defaultInterrupt
	}
	if settle == 0 {
		settle = defaultInterruptSettle
	}
	if err := sendLine(sess, interrupt); err != nil {
		return "", err
	}
	if err := d.sleep(ctx, settle); err != nil {
		return "", err
	}

	readSize := st.ReadSize
	if readSize <= 0 {
		readSize = defaultProbeReadSize
	}
	data, err := sess.Receive(readSize)
	return string(data), err
}

// assess matches one output against a target's expectation. A contains
// match that lacks the run token is treated as tampering.
func (d *Driver) assess(t Target, target, out string, max int, verifyToken bool) (bool, int, string) {
	reason := Expand(t.Reason, d.sc.LabDir, target, "")
	switch t.Expect {
	case ExpectAbsent:
		if !expect.Absent(out, t.Marker) {
			return false, t.Deduct, reason
		}
	default:
		if !expect.Contains(out, t.Marker) {
			return false, t.Deduct, reason
		}
		if verifyToken && d.opts.Token != "" && !strings.Contains(out, d.opts.Token) {
			return false, -max, fmt.Sprintf(
				"Response from %s does not carry this run's token, possible tampering, -%d Points", target, max)
		}
	}
	return true, 0, ""
}

// exec runs a state-mutating command. Anything but exit status 0 aborts.
func (d *Driver) exec(ctx context.Context, ch remote.Channel, st Step) (StepResult, error) {
	res, err := ch.Execute(ctx, d.expand(st.Command, ""))
	out := StepResult{Output: res.Stdout}
	if err != nil {
		return out, wrapStructural(st, err)
	}
	if !res.Succeeded() {
		out.Diagnostic = fmt.Sprintf("exit status %d", res.ExitCode)
		if stderr := strings.TrimSpace(res.Stderr); stderr != "" {
			out.Diagnostic += ": " + stderr
		}
		return out, structural(st, "%s", out.Diagnostic)
	}
	if err := d.sleep(ctx, st.Settle); err != nil {
		return out, wrapStructural(st, err)
	}
	out.Succeeded = true
	return out, nil
}

// query types a short dialogue into a fresh shell against one randomly
// chosen target and matches the accumulated output.
func (d *Driver) query(ctx context.Context, ch remote.Channel, st Step) (StepResult, error) {
	c, err := d.check(st.Check)
	if err != nil {
		return StepResult{}, err
	}

	target := ""
	if len(st.Choices) > 0 {
		target = st.Choices[d.opts.Rand.Intn(len(st.Choices))]
	}

	sess, err := ch.OpenInteractive()
	if err != nil {
		return StepResult{}, structural(st, "open shell: %v", err)
	}
	defer sess.Close()

	for _, s := range st.Sends {
		if err := sendLine(sess, d.expand(s.Line, target)); err != nil {
			return StepResult{}, structural(st, "send %q: %v", s.Line, err)
		}
		if err := d.sleep(ctx, s.Settle); err != nil {
			return StepResult{}, wrapStructural(st, err)
		}
	}

	readSize := st.ReadSize
	if readSize <= 0 {
		readSize = defaultProbeReadSize
	}
	data, err := sess.Receive(readSize)
	res := StepResult{Output: string(data), Succeeded: true}
	if err != nil {
		return res, structural(st, "read query output: %v", err)
	}

	if target != "" {
		if err := c.AddFeedback("Queried " + target); err != nil {
			return res, err
		}
	}
	if err := c.AddFeedback("Output: " + res.Output); err != nil {
		return res, err
	}
	if ok, amount, reason := d.assess(*st.Expect, target, res.Output, c.MaxScore(), false); !ok {
		res.Succeeded = false
		res.Diagnostic = reason
		d.failed[st.Check] = true
		if err := c.Deduct(amount, reason); err != nil {
			return res, err
		}
	}
	return res, nil
}

// stop types the exit command on the session opened by start.
func (d *Driver) stop(ctx context.Context, st Step) (StepResult, error) {
	if d.topo == nil {
		return StepResult{}, structural(st, "no running topology session")
	}
	defer d.closeTopology()

	if err := sendLine(d.topo, d.expand(st.Command, "")); err != nil {
		return StepResult{}, structural(st, "send %q: %v", st.Command, err)
	}
	if err := d.sleep(ctx, st.Settle); err != nil {
		return StepResult{}, wrapStructural(st, err)
	}
	// The shell may hang up before anything is read back.
	out, err := d.topo.Receive(defaultProbeReadSize)
	if err != nil {
		d.logger.Debug().Err(err).Msg("read topology exit")
	}
	return StepResult{Succeeded: true, Output: string(out)}, nil
}
