package remote

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

const shellCloseWait = 5 * time.Second

// shell is an Interactive over a PTY session. A single reader goroutine
// drains the remote output into a bounded buffer; Receive only ever reads
// from that buffer.
type shell struct {
	session     *ssh.Session
	stdin       io.WriteCloser
	pollTimeout time.Duration
	limit       int
	logger      zerolog.Logger

	mu      sync.Mutex
	buf     bytes.Buffer
	readErr error
	closed  bool

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func startShell(sess *ssh.Session, opts Options, logger zerolog.Logger) (*shell, error) {
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm", 40, 200, modes); err != nil {
		return nil, fmt.Errorf("%w: request pty: %v", ErrNotConnected, err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("shell stdin: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("shell stdout: %w", err)
	}

	s := &shell{
		session:     sess,
		stdin:       stdin,
		pollTimeout: opts.PollTimeout,
		limit:       opts.BufferLimit,
		logger:      logger,
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	// With a PTY the guest merges stderr into stdout; anything that still
	// arrives on the extended stream lands in the same buffer.
	sess.Stderr = writerFunc(s.append)

	if err := sess.Shell(); err != nil {
		return nil, fmt.Errorf("%w: start shell: %v", ErrNotConnected, err)
	}

	go s.readLoop(stdout)
	return s, nil
}

func (s *shell) readLoop(r io.Reader) {
	defer close(s.done)

	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			_, _ = s.append(chunk[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug().Err(err).Msg("shell read error")
			}
			s.mu.Lock()
			s.readErr = err
			s.mu.Unlock()
			s.wake()
			return
		}
	}
}

// append stores p, discarding the oldest bytes once the buffer exceeds its
// limit.
func (s *shell) append(p []byte) (int, error) {
	s.mu.Lock()
	s.buf.Write(p)
	if over := s.buf.Len() - s.limit; over > 0 {
		s.buf.Next(over)
	}
	s.mu.Unlock()
	s.wake()
	return len(p), nil
}

func (s *shell) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Send implements Interactive.
func (s *shell) Send(data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrNotConnected
	}
	if _, err := s.stdin.Write(data); err != nil {
		return fmt.Errorf("%w: send: %v", ErrNotConnected, err)
	}
	return nil
}

// Receive implements Interactive.
func (s *shell) Receive(max int) ([]byte, error) {
	if max <= 0 {
		return nil, nil
	}
	timer := time.NewTimer(s.pollTimeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.buf.Len() > 0 {
			out := bytes.Clone(s.buf.Next(min(max, s.buf.Len())))
			s.mu.Unlock()
			return out, nil
		}
		readErr := s.readErr
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return nil, ErrNotConnected
		}
		if readErr != nil {
			return nil, fmt.Errorf("%w: shell ended: %v", ErrNotConnected, readErr)
		}

		select {
		case <-s.notify:
		case <-timer.C:
			return nil, nil
		}
	}
}

// Close implements Interactive. It waits briefly for the reader goroutine.
func (s *shell) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		_ = s.stdin.Close()
		if cerr := s.session.Close(); cerr != nil && !errors.Is(cerr, io.EOF) {
			err = fmt.Errorf("close shell: %w", cerr)
		}
		select {
		case <-s.done:
		case <-time.After(shellCloseWait):
			s.logger.Warn().Msg("shell reader did not stop")
		}
	})
	return err
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
