package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/netlab-tools/labgrade/internal/remote"
)

var (
	// ErrHypervisorNotFound is returned when the QEMU binary is not installed.
	ErrHypervisorNotFound = errors.New("hypervisor binary not found")
	// ErrSessionUnavailable is returned when no SSH session could be
	// established within the retry budget.
	ErrSessionUnavailable = errors.New("no session to the VM could be established")
	// ErrInvalidTransition is returned for lifecycle moves the state machine
	// does not allow.
	ErrInvalidTransition = errors.New("invalid VM state transition")
	// ErrInvalidImage is returned when the disk image is missing or has an
	// unknown format.
	ErrInvalidImage = errors.New("invalid VM disk image")
)

// Manager drives one lab VM through its lifecycle.
type Manager interface {
	Launch(ctx context.Context) error
	AcquireSession(ctx context.Context) (remote.Channel, error)
	PrepareGuest(ctx context.Context, ch remote.Channel) error
	Shutdown(ctx context.Context) error
	State() State
	PID() int
}

// State is the lifecycle state of the VM.
type State string

const (
	StateNotStarted   State = "not_started"
	StateBooting      State = "booting"
	StateReady        State = "ready"
	StateShuttingDown State = "shutting_down"
	StateStopped      State = "stopped"
)

var transitions = map[State][]State{
	StateNotStarted:   {StateBooting},
	StateBooting:      {StateReady, StateShuttingDown},
	StateReady:        {StateShuttingDown},
	StateShuttingDown: {StateStopped},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// lifecycle guards the current state and notifies an observer of every move.
type lifecycle struct {
	mu       sync.Mutex
	state    State
	observer func(from, to State)
}

func newLifecycle(observer func(from, to State)) *lifecycle {
	return &lifecycle{state: StateNotStarted, observer: observer}
}

func (l *lifecycle) current() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) transition(to State) error {
	l.mu.Lock()
	from := l.state
	if !CanTransition(from, to) {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	l.state = to
	observer := l.observer
	l.mu.Unlock()

	if observer != nil {
		observer(from, to)
	}
	return nil
}
