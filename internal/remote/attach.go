package remote

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

const escapeHelp = "\r\nSupported escape sequences:\r\n  ~.  Detach from the guest shell\r\n  ~~  Send literal ~ character\r\n  ~?  Show this help\r\n"

// EscapeWriter forwards keystrokes to w and watches for SSH-style escape
// sequences. A ~ is only special directly after a newline or at the start.
//
// EscapeWriter is not safe for concurrent use.
type EscapeWriter struct {
	w            io.Writer
	help         io.Writer
	afterNewline bool
	pendingTilde bool
	detached     chan struct{}
}

// NewEscapeWriter wraps w. Help text for ~? is written to help.
func NewEscapeWriter(w, help io.Writer) *EscapeWriter {
	return &EscapeWriter{
		w:            w,
		help:         help,
		afterNewline: true,
		detached:     make(chan struct{}),
	}
}

// Write implements io.Writer. It always reports len(p) on success; bytes
// after a ~. are dropped.
func (e *EscapeWriter) Write(p []byte) (int, error) {
	for i, b := range p {
		switch {
		case b == '\n' || b == '\r':
			if e.pendingTilde {
				e.pendingTilde = false
				if _, err := e.w.Write([]byte{'~'}); err != nil {
					return i, err
				}
			}
			if _, err := e.w.Write([]byte{b}); err != nil {
				return i, err
			}
			e.afterNewline = true

		case e.afterNewline && b == '~':
			e.pendingTilde = true
			e.afterNewline = false

		case e.pendingTilde:
			e.pendingTilde = false
			var out []byte
			switch b {
			case '.':
				close(e.detached)
				return len(p), nil
			case '~':
				out = []byte{'~'}
			case '?':
				if _, err := io.WriteString(e.help, escapeHelp); err != nil {
					return i, err
				}
			default:
				out = []byte{'~', b}
			}
			if out != nil {
				if _, err := e.w.Write(out); err != nil {
					return i, err
				}
			}

		default:
			if _, err := e.w.Write([]byte{b}); err != nil {
				return i, err
			}
			e.afterNewline = false
		}
	}
	return len(p), nil
}

// Detached is closed once ~. has been typed.
func (e *EscapeWriter) Detached() <-chan struct{} {
	return e.detached
}

// Attach connects an operator terminal to a login shell on the guest. stdin
// is put into raw mode when it is a terminal. It returns ErrUserDetach when
// the operator types ~., or the shell's exit error.
func (c *SSHChannel) Attach(stdin *os.File, stdout io.Writer) error {
	sess, err := c.newSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	fd := int(stdin.Fd())
	width, height := 200, 40
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("failed to set raw mode: %w", err)
		}
		defer func() { _ = term.Restore(fd, oldState) }()

		if w, h, err := term.GetSize(fd); err == nil && w > 0 && h > 0 {
			width, height = w, h
		}
	}

	modes := ssh.TerminalModes{ssh.ECHO: 1}
	if err := sess.RequestPty("xterm-256color", height, width, modes); err != nil {
		return fmt.Errorf("%w: request pty: %v", ErrNotConnected, err)
	}
	guestIn, err := sess.StdinPipe()
	if err != nil {
		return fmt.Errorf("shell stdin: %w", err)
	}
	sess.Stdout = stdout
	sess.Stderr = stdout

	if err := sess.Shell(); err != nil {
		return fmt.Errorf("%w: start shell: %v", ErrNotConnected, err)
	}

	escape := NewEscapeWriter(guestIn, stdout)
	go func() {
		_, _ = io.Copy(escape, stdin)
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- sess.Wait() }()

	select {
	case <-escape.Detached():
		return ErrUserDetach
	case err := <-waitCh:
		var exitErr *ssh.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			return fmt.Errorf("guest shell: %w", err)
		}
		return nil
	}
}
