// Package remotetest provides a scripted in-memory remote.Channel.
package remotetest

import (
	"context"
	"strings"
	"sync"

	"github.com/netlab-tools/labgrade/internal/remote"
)

// Channel is a fake remote.Channel. One-shot commands answer from a table;
// interactive sessions answer each line sent with a queue of output chunks,
// handed out one per Receive call.
//
// Scripting the same line more than once queues the replies: each send
// consumes the oldest, and the last one repeats.
type Channel struct {
	mu       sync.Mutex
	exec     map[string]remote.Result
	execErr  map[string]error
	replies  map[string][][]string
	banner   string
	openErr  error
	executed []string
	sessions []*Session
	closed   bool
}

// New returns an empty fake.
func New() *Channel {
	return &Channel{
		exec:    make(map[string]remote.Result),
		execErr: make(map[string]error),
		replies: make(map[string][][]string),
	}
}

// OnExec scripts the result of a one-shot command.
func (c *Channel) OnExec(command string, res remote.Result) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exec[command] = res
	return c
}

// OnExecError makes a one-shot command fail at the transport level.
func (c *Channel) OnExecError(command string, err error) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execErr[command] = err
	return c
}

// OnSend scripts the output produced after line (without its trailing
// newline) is sent on any interactive session.
func (c *Channel) OnSend(line string, chunks ...string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies[line] = append(c.replies[line], chunks)
	return c
}

// WithBanner sets output available as soon as a session opens.
func (c *Channel) WithBanner(banner string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.banner = banner
	return c
}

// FailOpen makes OpenInteractive return err.
func (c *Channel) FailOpen(err error) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openErr = err
	return c
}

// Execute implements remote.Channel.
func (c *Channel) Execute(ctx context.Context, command string) (remote.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return remote.Result{}, remote.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return remote.Result{ExitCode: -1}, err
	}
	c.executed = append(c.executed, command)
	if err, ok := c.execErr[command]; ok {
		return remote.Result{ExitCode: -1}, err
	}
	if res, ok := c.exec[command]; ok {
		return res, nil
	}
	return remote.Result{Stderr: "bash: command not found\n", ExitCode: 127}, nil
}

// OpenInteractive implements remote.Channel.
func (c *Channel) OpenInteractive() (remote.Interactive, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, remote.ErrNotConnected
	}
	if c.openErr != nil {
		return nil, c.openErr
	}
	s := &Session{owner: c}
	if c.banner != "" {
		s.pending = append(s.pending, c.banner)
	}
	c.sessions = append(c.sessions, s)
	return s, nil
}

// Close implements remote.Channel.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Executed lists one-shot commands in call order.
func (c *Channel) Executed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.executed...)
}

// Sessions lists interactive sessions in open order.
func (c *Channel) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Session(nil), c.sessions...)
}

// Session is a fake remote.Interactive.
type Session struct {
	owner   *Channel
	mu      sync.Mutex
	sent    []string
	pending []string
	closed  bool
}

// Send implements remote.Interactive.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return remote.ErrNotConnected
	}
	line := strings.TrimRight(string(data), "\r\n")
	s.sent = append(s.sent, line)

	s.owner.mu.Lock()
	var chunks []string
	if queued := s.owner.replies[line]; len(queued) > 0 {
		chunks = queued[0]
		if len(queued) > 1 {
			s.owner.replies[line] = queued[1:]
		}
	}
	s.owner.mu.Unlock()
	s.pending = append(s.pending, chunks...)
	return nil
}

// Receive implements remote.Interactive. Each call yields at most one
// scripted chunk.
func (s *Session) Receive(max int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, remote.ErrNotConnected
	}
	if len(s.pending) == 0 || max <= 0 {
		return nil, nil
	}
	chunk := s.pending[0]
	if len(chunk) > max {
		s.pending[0] = chunk[max:]
		return []byte(chunk[:max]), nil
	}
	s.pending = s.pending[1:]
	return []byte(chunk), nil
}

// Close implements remote.Interactive.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Sent lists the lines sent on this session, without trailing newlines.
func (s *Session) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
