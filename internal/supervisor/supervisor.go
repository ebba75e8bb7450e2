// Package supervisor spawns and reaps backend child processes.
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/beamcode/beamcode/internal/logging"
)

// SpawnSpec describes a child process to launch. Per-adapter spawn-arg
// builders produce it; the supervisor never knows backend CLIs.
type SpawnSpec struct {
	Command string
	Args    []string
	CWD     string
	Env     map[string]string
}

// CircuitOpenError is returned when the breaker rejects a spawn.
type CircuitOpenError struct {
	Label string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("CIRCUIT_OPEN: spawn rejected for %s", e.Label)
}

// Handle tracks one running child.
type Handle struct {
	SessionID string
	PID       int

	cmd *exec.Cmd

	mu       sync.Mutex
	exited   chan struct{}
	exitCode *int
}

// Exited returns a channel closed when the process exits.
func (h *Handle) Exited() <-chan struct{} {
	return h.exited
}

// ExitCode returns the exit code once the process has exited, or nil.
func (h *Handle) ExitCode() *int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Kill sends a signal to the child's process group.
func (h *Handle) Kill(sig syscall.Signal) error {
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	// Negative pid targets the process group created at spawn.
	return syscall.Kill(-h.cmd.Process.Pid, sig)
}

// Config tunes the supervisor.
type Config struct {
	// KillGracePeriod is the SIGTERM to SIGKILL escalation delay.
	KillGracePeriod time.Duration
	// Probation is how long a child must survive before the spawn counts
	// as a success for the breaker.
	Probation time.Duration
	// Breaker configures the shared circuit breaker.
	Breaker BreakerConfig
}

// DefaultConfig returns the standard supervisor tuning.
func DefaultConfig() Config {
	return Config{
		KillGracePeriod: 5 * time.Second,
		Probation:       2 * time.Second,
		Breaker:         DefaultBreakerConfig(),
	}
}

// Supervisor owns the pid map and the circuit breaker for one launcher.
type Supervisor struct {
	cfg     Config
	breaker *CircuitBreaker

	mu    sync.Mutex
	procs map[string]*Handle

	// onExit is invoked after a child exits and is removed from the map.
	onExit func(sessionID string, exitCode *int)
}

// New creates a supervisor.
func New(cfg Config) *Supervisor {
	if cfg.KillGracePeriod <= 0 {
		cfg.KillGracePeriod = 5 * time.Second
	}
	if cfg.Probation <= 0 {
		cfg.Probation = 2 * time.Second
	}
	return &Supervisor{
		cfg:     cfg,
		breaker: NewCircuitBreaker(cfg.Breaker),
		procs:   make(map[string]*Handle),
	}
}

// Breaker exposes the supervisor's circuit breaker.
func (s *Supervisor) Breaker() *CircuitBreaker {
	return s.breaker
}

// OnExit registers a callback fired when a child exits on its own or after a
// kill. The callback runs on the reaper goroutine.
func (s *Supervisor) OnExit(fn func(sessionID string, exitCode *int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExit = fn
}

// SpawnProcess launches a child for the session. A breaker in the open state
// rejects the spawn with CircuitOpenError.
func (s *Supervisor) SpawnProcess(sessionID string, spec SpawnSpec, label string) (*Handle, error) {
	if !s.breaker.Allow() {
		return nil, &CircuitOpenError{Label: label}
	}

	s.mu.Lock()
	if _, exists := s.procs[sessionID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("process already running for session %s", sessionID)
	}
	s.mu.Unlock()

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.CWD
	// New process group so kill escalation reaches grandchildren.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		s.breaker.RecordFailure()
		return nil, fmt.Errorf("spawn %s: %w", label, err)
	}

	handle := &Handle{
		SessionID: sessionID,
		PID:       cmd.Process.Pid,
		cmd:       cmd,
		exited:    make(chan struct{}),
	}

	s.mu.Lock()
	s.procs[sessionID] = handle
	s.mu.Unlock()

	logging.ForComponent("supervisor").Info().
		Str("session_id", sessionID).
		Str("label", label).
		Int("pid", handle.PID).
		Msg("spawned backend process")

	go s.reap(handle, label)

	return handle, nil
}

// reap waits for the child, scores the breaker, and notifies.
func (s *Supervisor) reap(handle *Handle, label string) {
	started := time.Now()

	// Score the spawn a success once the child outlives probation.
	probation := time.AfterFunc(s.cfg.Probation, func() {
		s.breaker.RecordSuccess()
	})

	err := handle.cmd.Wait()

	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	handle.mu.Lock()
	handle.exitCode = &code
	handle.mu.Unlock()
	close(handle.exited)

	if probation.Stop() && code != 0 && time.Since(started) < s.cfg.Probation {
		// Immediate non-zero exit: the probation timer never fired, so the
		// spawn counts as a failure.
		s.breaker.RecordFailure()
	}

	s.mu.Lock()
	delete(s.procs, handle.SessionID)
	onExit := s.onExit
	s.mu.Unlock()

	logging.ForComponent("supervisor").Info().
		Str("session_id", handle.SessionID).
		Str("label", label).
		Int("exit_code", code).
		Msg("backend process exited")

	if onExit != nil {
		onExit(handle.SessionID, &code)
	}
}

// KillProcess terminates the session's child: SIGTERM, then SIGKILL after
// the grace period. It returns once the process has actually exited and is
// idempotent for dead or unknown sessions.
func (s *Supervisor) KillProcess(sessionID string) error {
	s.mu.Lock()
	handle, ok := s.procs[sessionID]
	s.mu.Unlock()

	if !ok {
		return nil
	}

	log := logging.ForSession(sessionID)

	if err := handle.Kill(syscall.SIGTERM); err != nil {
		log.Warn().Err(err).Msg("SIGTERM failed")
	}

	select {
	case <-handle.Exited():
		return nil
	case <-time.After(s.cfg.KillGracePeriod):
	}

	if err := handle.Kill(syscall.SIGKILL); err != nil {
		log.Warn().Err(err).Msg("SIGKILL failed")
	}

	<-handle.Exited()
	return nil
}

// Get returns the handle for a session, if running.
func (s *Supervisor) Get(sessionID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.procs[sessionID]
	return handle, ok
}

// KillAll terminates every tracked child.
func (s *Supervisor) KillAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.KillProcess(id); err != nil {
			logging.ForSession(id).Warn().Err(err).Msg("kill failed during shutdown")
		}
	}
}
