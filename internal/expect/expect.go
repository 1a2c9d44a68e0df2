// Package expect matches markers in text captured from an interactive shell.
//
// Matching is case-sensitive substring containment over the raw bytes; shell
// prompts, echoed commands and terminal control sequences are left in place.
package expect

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrMarkerNotFound is returned by Poll when the retry budget is exhausted.
var ErrMarkerNotFound = errors.New("marker not observed")

// Blank reports whether output contains nothing but whitespace.
func Blank(output string) bool {
	return strings.TrimSpace(output) == ""
}

// Contains reports whether marker occurs in output. Blank output never
// matches, even for an empty marker.
func Contains(output, marker string) bool {
	if Blank(output) {
		return false
	}
	return strings.Contains(output, marker)
}

// Absent reports whether marker does not occur in non-blank output. Blank
// output is not evidence of absence and never passes.
func Absent(output, marker string) bool {
	if Blank(output) {
		return false
	}
	return !strings.Contains(output, marker)
}

// Receiver yields whatever output is currently buffered, up to max bytes.
type Receiver interface {
	Receive(max int) ([]byte, error)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-time Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// PollConfig bounds a Poll call.
type PollConfig struct {
	Attempts int
	Interval time.Duration
	ReadSize int
	Sleep    Sleeper
}

// Poll accumulates output from r until marker appears or the attempts are
// used up. initial is output already read by the caller; it is checked first.
// The accumulated output is returned in every case.
func Poll(ctx context.Context, r Receiver, initial, marker string, cfg PollConfig) (string, error) {
	if cfg.Sleep == nil {
		cfg.Sleep = Sleep
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = 4096
	}

	var buf strings.Builder
	buf.WriteString(initial)
	if strings.Contains(buf.String(), marker) {
		return buf.String(), nil
	}

	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		if err := cfg.Sleep(ctx, cfg.Interval); err != nil {
			return buf.String(), err
		}
		chunk, err := r.Receive(cfg.ReadSize)
		buf.Write(chunk)
		if err != nil {
			return buf.String(), err
		}
		if strings.Contains(buf.String(), marker) {
			return buf.String(), nil
		}
	}
	return buf.String(), ErrMarkerNotFound
}
