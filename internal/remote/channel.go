// Package remote provides the command and shell channel into the lab VM.
//
// A Channel is one authenticated connection. It runs one-shot commands with
// Execute and opens unframed, duplex shells with OpenInteractive.
package remote

import (
	"context"
	"errors"
	"net"
	"strconv"
)

var (
	// ErrNotConnected is returned when the underlying connection is closed or
	// a session could not be opened on it.
	ErrNotConnected = errors.New("remote channel not connected")
	// ErrCommandTimeout is returned when a one-shot command outlives its
	// timeout.
	ErrCommandTimeout = errors.New("remote command timed out")
	// ErrUserDetach is returned by Attach when the operator types ~.
	ErrUserDetach = errors.New("user detached from shell")
)

// Endpoint is the TCP address of the guest's SSH server.
type Endpoint struct {
	Host string
	Port int
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Credentials authenticate against the guest.
type Credentials struct {
	User     string
	Password string
}

// Result is the outcome of a one-shot command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Succeeded reports whether the command exited with status 0.
func (r Result) Succeeded() bool { return r.ExitCode == 0 }

// Channel is a live connection to the guest.
type Channel interface {
	// Execute runs command to completion. A non-zero exit status is reported
	// in Result.ExitCode, not as an error.
	Execute(ctx context.Context, command string) (Result, error)
	// OpenInteractive starts a fresh PTY-backed shell.
	OpenInteractive() (Interactive, error)
	Close() error
}

// Interactive is a duplex byte stream with no message framing.
type Interactive interface {
	Send(data []byte) error
	// Receive returns up to max buffered bytes. It waits at most the poll
	// timeout and may return an empty slice.
	Receive(max int) ([]byte, error)
	Close() error
}
