package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/netlab-tools/labgrade/internal/expect"
	"github.com/netlab-tools/labgrade/internal/guest"
	"github.com/netlab-tools/labgrade/internal/log"
	"github.com/netlab-tools/labgrade/internal/metrics"
	"github.com/netlab-tools/labgrade/internal/mount"
	"github.com/netlab-tools/labgrade/internal/remote"
)

// Dialer opens one SSH session attempt.
type Dialer func(ctx context.Context) (remote.Channel, error)

// Options are the collaborators of a QEMUManager. Zero values select the
// real implementations.
type Options struct {
	Dialer       Dialer
	Sleep        expect.Sleeper
	Metrics      *metrics.Recorder
	Validator    *mount.Validator
	Logger       *zerolog.Logger
	OnTransition func(from, to State)
}

// QEMUManager runs the lab VM as a detached qemu-system process.
type QEMUManager struct {
	cfg       Config
	dial      Dialer
	sleep     expect.Sleeper
	metrics   *metrics.Recorder
	validator *mount.Validator
	logger    zerolog.Logger
	life      *lifecycle
	lookPath  func(string) (string, error)

	mu         sync.Mutex
	cmd        *exec.Cmd
	exited     chan struct{}
	bootWaited bool
}

var _ Manager = (*QEMUManager)(nil)

// NewQEMUManager creates a manager in the NotStarted state.
func NewQEMUManager(cfg Config, opts Options) *QEMUManager {
	m := &QEMUManager{
		cfg:       cfg,
		dial:      opts.Dialer,
		sleep:     opts.Sleep,
		metrics:   opts.Metrics,
		validator: opts.Validator,
		life:      newLifecycle(opts.OnTransition),
		lookPath:  exec.LookPath,
	}
	if opts.Logger != nil {
		m.logger = *opts.Logger
	} else {
		m.logger = log.WithComponent("vm")
	}
	if m.sleep == nil {
		m.sleep = expect.Sleep
	}
	if m.dial == nil {
		m.dial = func(ctx context.Context) (remote.Channel, error) {
			return remote.Dial(ctx, cfg.Endpoint, cfg.Credentials, remote.Options{
				DialTimeout:    cfg.DialTimeout,
				CommandTimeout: cfg.CommandTimeout,
				Logger:         &m.logger,
			})
		}
	}
	return m
}

// Args returns the hypervisor command line, without the binary.
func (m *QEMUManager) Args() []string {
	args := []string{
		"-m", strconv.Itoa(m.cfg.MemoryMB),
		"-nographic",
		m.cfg.Image,
		"-net", "nic,model=virtio",
		"-net", fmt.Sprintf("user,net=%s,hostfwd=tcp::%d-:22", m.cfg.GuestNet, m.cfg.Endpoint.Port),
	}
	if m.cfg.Share != nil {
		args = append(args, "-virtfs", m.cfg.Share.VirtFSArg("hostshare"))
	}
	return append(args, m.cfg.ExtraArgs...)
}

// State implements Manager.
func (m *QEMUManager) State() State { return m.life.current() }

// PID implements Manager. It is 0 before Launch.
func (m *QEMUManager) PID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd == nil || m.cmd.Process == nil {
		return 0
	}
	return m.cmd.Process.Pid
}

// Exited is closed when the hypervisor process exits. It is nil before
// Launch.
func (m *QEMUManager) Exited() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exited
}

// Launch implements Manager. The process is started in its own session and
// is not tied to ctx; only Shutdown stops it.
func (m *QEMUManager) Launch(ctx context.Context) error {
	if s := m.State(); s != StateNotStarted {
		return fmt.Errorf("%w: launch from %s", ErrInvalidTransition, s)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	bin, err := m.lookPath(m.cfg.Binary)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrHypervisorNotFound, m.cfg.Binary, err)
	}

	format, err := validateImage(m.cfg.Image)
	if err != nil {
		return err
	}
	if m.validator != nil && m.cfg.Share != nil {
		if err := m.validator.Validate(m.cfg.Share); err != nil {
			return fmt.Errorf("validate share: %w", err)
		}
	}

	args := m.Args()
	cmd := exec.Command(bin, args...)
	cmd.SysProcAttr = detachedProcAttr()
	cmd.Stdin = nil

	var console io.WriteCloser
	if m.cfg.ConsoleLog != "" {
		f, err := os.OpenFile(m.cfg.ConsoleLog, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("open console log: %w", err)
		}
		console = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	m.logger.Info().
		Str("binary", bin).
		Str("image_format", format).
		Str("args", strings.Join(args, " ")).
		Msg("launching lab VM")

	if err := cmd.Start(); err != nil {
		if console != nil {
			_ = console.Close()
		}
		return fmt.Errorf("start hypervisor: %w", err)
	}

	exited := make(chan struct{})
	m.mu.Lock()
	m.cmd = cmd
	m.exited = exited
	m.mu.Unlock()

	go func() {
		err := cmd.Wait()
		if console != nil {
			_ = console.Close()
		}
		m.logger.Info().Err(err).Int("pid", cmd.Process.Pid).Msg("hypervisor exited")
		close(exited)
	}()

	return m.life.transition(StateBooting)
}

// AcquireSession implements Manager. Before the first attempt of a freshly
// launched VM it waits the configured boot time.
func (m *QEMUManager) AcquireSession(ctx context.Context) (remote.Channel, error) {
	state := m.State()
	switch state {
	case StateBooting, StateReady, StateShuttingDown:
	default:
		return nil, fmt.Errorf("%w: acquire session in state %s", ErrInvalidTransition, state)
	}

	if state == StateBooting {
		m.mu.Lock()
		wait := !m.bootWaited
		m.bootWaited = true
		m.mu.Unlock()
		if wait && m.cfg.BootWait > 0 {
			m.logger.Info().Dur("boot_wait", m.cfg.BootWait).Msg("waiting for the VM to boot")
			if err := m.sleep(ctx, m.cfg.BootWait); err != nil {
				return nil, err
			}
		}
	}

	ch, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	if m.State() == StateBooting {
		if err := m.life.transition(StateReady); err != nil {
			_ = ch.Close()
			return nil, err
		}
	}
	return ch, nil
}

// acquire makes up to Attempts dial attempts, sleeping RetryInterval between
// them but not after the last one.
func (m *QEMUManager) acquire(ctx context.Context) (remote.Channel, error) {
	attempts := max(m.cfg.Attempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		m.logger.Info().Int("attempt", attempt).Int("max_attempts", attempts).Msg("connecting to lab VM")

		ch, err := m.dial(ctx)
		m.metrics.ConnectAttempt(err == nil)
		if err == nil {
			m.logger.Info().Int("attempt", attempt).Msg("connected to lab VM")
			return ch, nil
		}
		lastErr = err
		m.logger.Debug().Err(err).Int("attempt", attempt).Msg("connection attempt failed")

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == attempts {
			break
		}
		if exited := m.Exited(); exited != nil {
			select {
			case <-exited:
				return nil, fmt.Errorf("%w: hypervisor exited: %v", ErrSessionUnavailable, lastErr)
			default:
			}
		}
		if err := m.sleep(ctx, m.cfg.RetryInterval); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrSessionUnavailable, attempts, lastErr)
}

// PrepareGuest implements Manager.
func (m *QEMUManager) PrepareGuest(ctx context.Context, ch remote.Channel) error {
	if m.cfg.Share == nil {
		return nil
	}

	res, err := ch.Execute(ctx, guest.PrepareScript(m.cfg.Share, m.cfg.LabDir))
	if err != nil {
		return fmt.Errorf("prepare guest: %w", err)
	}
	if !res.Succeeded() {
		return fmt.Errorf("prepare guest: exit status %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	listing, err := ch.Execute(ctx, guest.ListCommand(m.cfg.LabPath()))
	if err != nil {
		m.logger.Debug().Err(err).Msg("list lab directory")
		return nil
	}
	m.logger.Debug().Str("path", m.cfg.LabPath()).Str("listing", listing.Stdout).Msg("lab directory")
	return nil
}

// Shutdown implements Manager. It is best effort: it opens a fresh session
// and halts the guest, and falls back to killing the hypervisor when the
// guest is unreachable or does not stop within the grace period. A guest
// that never became ready is killed without another round of dialing.
func (m *QEMUManager) Shutdown(ctx context.Context) error {
	from := m.State()
	switch from {
	case StateNotStarted, StateStopped:
		return nil
	case StateShuttingDown:
		return fmt.Errorf("%w: shutdown already in progress", ErrInvalidTransition)
	}
	if err := m.life.transition(StateShuttingDown); err != nil {
		return err
	}
	defer func() {
		if err := m.life.transition(StateStopped); err != nil {
			m.logger.Warn().Err(err).Msg("mark VM stopped")
		}
	}()

	m.logger.Info().Msg("shutting down lab VM")

	var haltErr error
	if from == StateBooting {
		haltErr = fmt.Errorf("%w: guest never became ready", ErrSessionUnavailable)
	} else if ch, err := m.acquire(ctx); err != nil {
		haltErr = err
	} else {
		if _, err := ch.Execute(ctx, guest.ShutdownCommand); err != nil {
			// The guest often drops the connection before reporting a status.
			m.logger.Debug().Err(err).Msg("halt command")
		}
		_ = ch.Close()
	}

	m.reap(haltErr == nil)
	return haltErr
}

// reap waits for the hypervisor to exit, killing it when it outlives the
// grace period or when the guest was never asked to halt.
func (m *QEMUManager) reap(halted bool) {
	m.mu.Lock()
	cmd, exited := m.cmd, m.exited
	m.mu.Unlock()
	if cmd == nil || exited == nil {
		return
	}

	if halted && m.cfg.ShutdownGrace > 0 {
		timer := time.NewTimer(m.cfg.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-exited:
			return
		case <-timer.C:
		}
	}

	select {
	case <-exited:
		return
	default:
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		m.logger.Warn().Err(err).Msg("kill hypervisor")
		return
	}
	<-exited
}
