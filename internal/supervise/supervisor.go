// Package supervise launches and manages the lifecycle of worker
// processes: the intelligence agent and its tool provider. It owns the
// secret hand-off at launch time and guarantees that a failed hand-off
// leaves no running child behind.
package supervise

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ovchar/suivault/internal/relay"
	"github.com/ovchar/suivault/internal/secret"
)

// Role identifies a supervised process.
type Role string

const (
	RoleAgent        Role = "agent"
	RoleToolProvider Role = "tool-provider"
)

// State is a process lifecycle state.
type State int

const (
	StateNotStarted State = iota
	StateLaunching
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrAlreadyRunning = errors.New("supervise: role already running")
	ErrLaunchFailed   = errors.New("supervise: launch failed")
	ErrProcessExited  = errors.New("supervise: process exited")
)

// Well-known startup event names emitted by children on stdout as
// single-line JSON objects.
const (
	EventKeyReceived = "key_received"
	EventReady       = "ready"
	EventChild       = "child"
)

// Event is a structured startup notification from a child process.
type Event struct {
	Event string `json:"event"`
	Addr  string `json:"addr,omitempty"`
	PID   int    `json:"pid,omitempty"`
	Error string `json:"error,omitempty"`
}

// LaunchSpec describes how to start a supervised process.
type LaunchSpec struct {
	Path string
	Args []string
	Env  []string

	// Secret, when set, is relayed into the child's environment under
	// SecretVar. The launch fails closed if the child never confirms
	// receipt within RelayTimeout.
	Secret       *secret.Box
	SecretVar    string
	RelayTimeout time.Duration

	// UseStdio keeps the child's stdin/stdout pipes for a wire
	// protocol instead of the event scanner.
	UseStdio bool

	// Ack, when set, replaces the default key_received wait as the
	// receipt confirmation. Required for UseStdio children.
	Ack func(ctx context.Context, p *Process) error

	// Probe, when set, is consulted by Healthcheck in addition to the
	// liveness signal.
	Probe func(ctx context.Context) error

	Stderr io.Writer
}

// Process is a supervised child.
type Process struct {
	Role Role
	PID  int

	// Stdin and Stdout are set only for UseStdio launches.
	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	cmd   *exec.Cmd
	probe func(ctx context.Context) error

	events  chan Event
	skipMu  sync.Mutex
	skipped []Event

	exitCh   chan struct{}
	exitCode int

	mu    sync.Mutex
	state State
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Process) terminal() bool {
	s := p.State()
	return s == StateStopped || s == StateFailed
}

// awaitEvent blocks until the child emits the named event. Events that
// arrive first are kept for later AwaitEvent calls.
func (p *Process) awaitEvent(ctx context.Context, name string) (Event, error) {
	p.skipMu.Lock()
	for i, ev := range p.skipped {
		if ev.Event == name {
			p.skipped = append(p.skipped[:i], p.skipped[i+1:]...)
			p.skipMu.Unlock()
			return ev, nil
		}
	}
	p.skipMu.Unlock()

	for {
		select {
		case ev := <-p.events:
			if ev.Event == name {
				return ev, nil
			}
			p.skipMu.Lock()
			p.skipped = append(p.skipped, ev)
			p.skipMu.Unlock()
		case <-p.exitCh:
			return Event{}, fmt.Errorf("%w: %s (code %d) before %q", ErrProcessExited, p.Role, p.exitCode, name)
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Health describes the outcome of a healthcheck.
type Health int

const (
	Healthy Health = iota
	Unresponsive
	Exited
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Unresponsive:
		return "unresponsive"
	default:
		return "exited"
	}
}

// HealthStatus is a point-in-time health report for a role.
type HealthStatus struct {
	Health   Health
	ExitCode int
}

// Supervisor owns the process tree. Launches are serialized so a
// secret hand-off to one child always completes (and its slot is
// scrubbed) before the next launch begins. A hand-off can take the
// whole relay timeout, so launches hold their own lock and never block
// health checks or shutdowns.
type Supervisor struct {
	logger *slog.Logger

	launchMu sync.Mutex

	mu    sync.Mutex
	procs map[Role]*Process
	tree  *Tree
}

// New creates a supervisor.
func New(logger *slog.Logger) *Supervisor {
	return &Supervisor{
		logger: logger,
		procs:  make(map[Role]*Process),
		tree:   NewTree(),
	}
}

// Launch starts a child for the role. When spec.Secret is set the
// secret is injected into the child environment, the launch blocks
// until receipt is confirmed, and the environment slot is scrubbed
// before Launch returns. On any hand-off failure the child is killed.
func (s *Supervisor) Launch(ctx context.Context, role Role, spec LaunchSpec) (*Process, error) {
	s.launchMu.Lock()
	defer s.launchMu.Unlock()

	s.mu.Lock()
	existing, ok := s.procs[role]
	s.mu.Unlock()
	if ok && !existing.terminal() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, role)
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if spec.Stderr != nil {
		cmd.Stderr = spec.Stderr
	} else {
		cmd.Stderr = os.Stderr
	}

	p := &Process{
		Role:   role,
		cmd:    cmd,
		probe:  spec.Probe,
		events: make(chan Event, 16),
		exitCh: make(chan struct{}),
		state:  StateLaunching,
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrLaunchFailed, err)
	}
	if spec.UseStdio {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("%w: stdin pipe: %v", ErrLaunchFailed, err)
		}
		p.Stdin = stdin
		p.Stdout = stdout
	}

	start := func() error {
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("%w: %v", ErrLaunchFailed, err)
		}
		p.PID = cmd.Process.Pid
		if !spec.UseStdio {
			go p.scanEvents(stdout, s.logger)
		}
		go p.waitExit(s.logger)
		return nil
	}

	confirm := func(ctx context.Context) error {
		if spec.Ack != nil {
			return spec.Ack(ctx, p)
		}
		_, err := p.awaitEvent(ctx, EventKeyReceived)
		return err
	}

	if spec.Secret != nil {
		// The slot's ack callback starts the child with the secret in
		// its environment and blocks until the child confirms it read
		// the variable. Relay scrubs the slot on every path.
		var slot *relay.EnvSlot
		slot = relay.NewEnvSlot(spec.SecretVar, func(ctx context.Context) error {
			cmd.Env = append(cmd.Env, slot.Entry())
			if err := start(); err != nil {
				return err
			}
			return confirm(ctx)
		})
		if err := relay.Relay(ctx, spec.Secret, slot, spec.RelayTimeout); err != nil {
			s.killIfStarted(p)
			p.setState(StateFailed)
			s.storeProc(role, p)
			return nil, err
		}
	} else {
		if err := start(); err != nil {
			p.setState(StateFailed)
			s.storeProc(role, p)
			return nil, err
		}
		if spec.Ack != nil {
			if err := spec.Ack(ctx, p); err != nil {
				s.killIfStarted(p)
				p.setState(StateFailed)
				s.storeProc(role, p)
				return nil, fmt.Errorf("%w: ack: %v", ErrLaunchFailed, err)
			}
		}
	}

	// A child that already crashed has moved to Failed; don't undo it.
	p.mu.Lock()
	if p.state == StateLaunching {
		p.state = StateRunning
	}
	p.mu.Unlock()
	s.storeProc(role, p)
	s.tree.Add(role, p.PID, "")
	s.logger.Info("process launched", "role", role, "pid", p.PID)
	return p, nil
}

func (s *Supervisor) storeProc(role Role, p *Process) {
	s.mu.Lock()
	s.procs[role] = p
	s.mu.Unlock()
}

// RegisterChild records a process spawned by one of the supervised
// children, so Shutdown can signal the whole subtree.
func (s *Supervisor) RegisterChild(role Role, pid int, parent Role) {
	s.tree.Add(role, pid, parent)
	s.logger.Info("child registered", "role", role, "pid", pid, "parent", parent)
}

// Process returns the supervised process for a role, or nil.
func (s *Supervisor) Process(role Role) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[role]
}

// AwaitEvent blocks until the role's child emits the named startup
// event, the child exits, or ctx is done.
func (s *Supervisor) AwaitEvent(ctx context.Context, role Role, name string) (Event, error) {
	p := s.Process(role)
	if p == nil {
		return Event{}, fmt.Errorf("supervise: no process for role %s", role)
	}
	return p.awaitEvent(ctx, name)
}

// Healthcheck reports the current health of a role.
func (s *Supervisor) Healthcheck(ctx context.Context, role Role) HealthStatus {
	p := s.Process(role)
	if p == nil {
		return HealthStatus{Health: Exited, ExitCode: -1}
	}
	select {
	case <-p.exitCh:
		return HealthStatus{Health: Exited, ExitCode: p.exitCode}
	default:
	}
	if err := syscall.Kill(p.PID, 0); err != nil {
		return HealthStatus{Health: Unresponsive}
	}
	if p.probe != nil {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := p.probe(probeCtx); err != nil {
			s.logger.Warn("probe failed", "role", role, "error", err)
			return HealthStatus{Health: Unresponsive}
		}
	}
	return HealthStatus{Health: Healthy}
}

// Shutdown terminates the role's subtree, children first: SIGTERM,
// wait up to grace, then SIGKILL. Idempotent.
func (s *Supervisor) Shutdown(ctx context.Context, role Role, grace time.Duration) error {
	p := s.Process(role)
	if p == nil || p.terminal() {
		return nil
	}
	p.setState(StateStopping)

	pids := s.tree.Subtree(role)
	for _, pid := range pids {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}
	// Backstop: the whole process group, in case a child spawned
	// something we never heard about.
	_ = syscall.Kill(-p.PID, syscall.SIGTERM)

	select {
	case <-p.exitCh:
	case <-time.After(grace):
		s.logger.Warn("grace elapsed, escalating", "role", role, "pid", p.PID)
		for _, pid := range pids {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
		_ = syscall.Kill(-p.PID, syscall.SIGKILL)
		select {
		case <-p.exitCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	p.setState(StateStopped)
	s.tree.Remove(role)
	s.logger.Info("process stopped", "role", role, "pid", p.PID, "exit_code", p.exitCode)
	return nil
}

// ShutdownAll stops every supervised role.
func (s *Supervisor) ShutdownAll(ctx context.Context, grace time.Duration) {
	s.mu.Lock()
	roles := make([]Role, 0, len(s.procs))
	for role := range s.procs {
		roles = append(roles, role)
	}
	s.mu.Unlock()
	for _, role := range roles {
		if err := s.Shutdown(ctx, role, grace); err != nil {
			s.logger.Error("shutdown failed", "role", role, "error", err)
		}
	}
}

func (s *Supervisor) killIfStarted(p *Process) {
	if p.PID == 0 {
		return
	}
	_ = syscall.Kill(-p.PID, syscall.SIGKILL)
	s.logger.Warn("killed child after failed hand-off", "role", p.Role, "pid", p.PID)
}

// scanEvents reads single-line JSON events from the child's stdout.
func (p *Process) scanEvents(r io.Reader, logger *slog.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil || ev.Event == "" {
			logger.Debug("unrecognized child output", "role", p.Role, "line", string(line))
			continue
		}
		select {
		case p.events <- ev:
		default:
			logger.Warn("event buffer full, dropping", "role", p.Role, "event", ev.Event)
		}
	}
}

func (p *Process) waitExit(logger *slog.Logger) {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	p.exitCode = code
	// An exit during Stopping is the shutdown completing; anything
	// else is a crash.
	if p.State() != StateStopping {
		p.setState(StateFailed)
		logger.Error("process exited unexpectedly", "role", p.Role, "pid", p.PID, "exit_code", code)
	}
	close(p.exitCh)
}
