package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/netlab-tools/labgrade/internal/log"
)

const (
	defaultDialTimeout    = 3 * time.Second
	defaultCommandTimeout = 2 * time.Minute
	defaultPollTimeout    = 2 * time.Second
	defaultBufferLimit    = 1 << 20
)

// Options tune an SSH channel. Zero values select defaults.
type Options struct {
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	PollTimeout    time.Duration
	BufferLimit    int
	Logger         *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = defaultCommandTimeout
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = defaultPollTimeout
	}
	if o.BufferLimit <= 0 {
		o.BufferLimit = defaultBufferLimit
	}
	if o.Logger == nil {
		l := log.WithComponent("remote")
		o.Logger = &l
	}
	return o
}

// SSHChannel is a Channel over golang.org/x/crypto/ssh.
type SSHChannel struct {
	client   *ssh.Client
	endpoint Endpoint
	opts     Options
	logger   zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// Dial connects and authenticates with a password. Host keys are not
// verified: the guest is ephemeral and only reachable through a loopback
// port forward.
func Dial(ctx context.Context, ep Endpoint, creds Credentials, opts Options) (*SSHChannel, error) {
	opts = opts.withDefaults()

	config := &ssh.ClientConfig{
		User:            creds.User,
		Auth:            []ssh.AuthMethod{ssh.Password(creds.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         opts.DialTimeout,
	}

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", ep.Address())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep.Address(), err)
	}

	deadline := time.Now().Add(opts.DialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	c, chans, reqs, err := ssh.NewClientConn(conn, ep.Address(), config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", ep.Address(), err)
	}
	_ = conn.SetDeadline(time.Time{})

	ch := &SSHChannel{
		client:   ssh.NewClient(c, chans, reqs),
		endpoint: ep,
		opts:     opts,
		logger:   opts.Logger.With().Str("endpoint", ep.Address()).Logger(),
	}
	ch.logger.Debug().Msg("ssh session established")
	return ch, nil
}

func (c *SSHChannel) newSession() (*ssh.Session, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrNotConnected
	}

	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: open session: %v", ErrNotConnected, err)
	}
	return sess, nil
}

// Execute implements Channel.
func (c *SSHChannel) Execute(ctx context.Context, command string) (Result, error) {
	sess, err := c.newSession()
	if err != nil {
		return Result{}, err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	runCtx, cancel := context.WithTimeout(ctx, c.opts.CommandTimeout)
	defer cancel()

	c.logger.Debug().Str("command", command).Msg("exec")

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case err := <-done:
		res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		res.ExitCode = -1
		return res, fmt.Errorf("run %q: %w", command, err)
	case <-runCtx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		res := Result{ExitCode: -1}
		select {
		case <-done:
			res.Stdout, res.Stderr = stdout.String(), stderr.String()
		case <-time.After(c.opts.DialTimeout):
		}
		if ctx.Err() != nil {
			return res, fmt.Errorf("run %q: %w", command, ctx.Err())
		}
		return res, fmt.Errorf("run %q after %s: %w", command, c.opts.CommandTimeout, ErrCommandTimeout)
	}
}

// OpenInteractive implements Channel.
func (c *SSHChannel) OpenInteractive() (Interactive, error) {
	sess, err := c.newSession()
	if err != nil {
		return nil, err
	}
	sh, err := startShell(sess, c.opts, c.logger)
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	return sh, nil
}

// Close implements Channel. It is safe to call more than once.
func (c *SSHChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close ssh client: %w", err)
	}
	return nil
}
