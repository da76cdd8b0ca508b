package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrSessionClosed is returned when a command reaches a closed session.
	ErrSessionClosed = errors.New("session is closed")
	// ErrExecutionTimeout is returned when a command exceeds its deadline.
	ErrExecutionTimeout = errors.New("execution timed out")
)

// ExecResult is the outcome of one shell command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Session is one exclusive shell context for a (session_key, agent_id)
// pair. Creation is lazy: the first Exec establishes it. Close and Recreate
// are idempotent and safe to retry after transport faults.
type Session interface {
	Exec(ctx context.Context, command, cwd string) (ExecResult, error)
	Close(ctx context.Context) error
	Recreate(ctx context.Context) error
	Alive() bool
}

// Key identifies a session. SpriteName is the optional identity inside the
// sandbox; it is part of the key so a sprite switch never reuses the old
// session.
type Key struct {
	SessionKey  string
	AgentID     string
	SandboxName string
	SpriteName  string
}

func (k Key) String() string {
	if k.SpriteName != "" {
		return fmt.Sprintf("%s/%s/%s/%s", k.SessionKey, k.AgentID, k.SandboxName, k.SpriteName)
	}
	return fmt.Sprintf("%s/%s/%s", k.SessionKey, k.AgentID, k.SandboxName)
}

// HostConfig configures host shell sessions.
type HostConfig struct {
	WorkDir     string
	ExecTimeout time.Duration
	Env         map[string]string
}

// HostSession runs commands on the local host via /bin/sh. It stands in for
// a remote sandbox session and keeps the same lifecycle contract.
type HostSession struct {
	key    Key
	config HostConfig

	mu     sync.Mutex
	opened bool
	closed bool
}

// NewHostSession creates an unopened session. The first Exec opens it.
func NewHostSession(key Key, cfg HostConfig) *HostSession {
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 60 * time.Second
	}
	return &HostSession{key: key, config: cfg}
}

// Exec runs one command. A closed session returns ErrSessionClosed so the
// caller's retry path can recreate it.
func (s *HostSession) Exec(ctx context.Context, command, cwd string) (ExecResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ExecResult{}, ErrSessionClosed
	}
	if !s.opened {
		s.opened = true
		log.Debug().Str("session", s.key.String()).Msg("session opened")
	}
	s.mu.Unlock()

	execCtx, cancel := context.WithTimeout(ctx, s.config.ExecTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "/bin/sh", "-c", command)
	if cwd != "" {
		cmd.Dir = cwd
	} else if s.config.WorkDir != "" {
		cmd.Dir = s.config.WorkDir
	}
	cmd.Env = s.buildEnvironment()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded {
		return ExecResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: -1,
			Duration: duration,
		}, ErrExecutionTimeout
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return ExecResult{Duration: duration}, err
		}
	}

	log.Debug().
		Str("session", s.key.String()).
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Msg("command executed")

	return ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// Close marks the session dead. Idempotent.
func (s *HostSession) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Recreate resets the session to a fresh, unopened state. Idempotent.
func (s *HostSession) Recreate(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = false
	s.opened = false
	return nil
}

// Alive reports whether the session accepts commands.
func (s *HostSession) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *HostSession) buildEnvironment() []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=/tmp",
	}
	for key, value := range s.config.Env {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}
	return env
}

// SessionFactory creates sessions on demand.
type SessionFactory func(key Key) Session

// Manager hands out at most one session per key, creating lazily.
type Manager struct {
	factory SessionFactory

	mu       sync.Mutex
	sessions map[Key]Session
}

// NewManager creates a session manager. A nil factory defaults to host
// sessions with the given config.
func NewManager(factory SessionFactory) *Manager {
	return &Manager{factory: factory, sessions: make(map[Key]Session)}
}

// NewHostManager creates a manager producing host sessions.
func NewHostManager(cfg HostConfig) *Manager {
	return NewManager(func(key Key) Session {
		return NewHostSession(key, cfg)
	})
}

// Acquire returns the session for key, creating it if absent.
func (m *Manager) Acquire(key Key) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s
	}
	s := m.factory(key)
	m.sessions[key] = s
	return s
}

// Drop removes the session for key so the next Acquire creates a fresh one.
// The old session is closed best-effort.
func (m *Manager) Drop(ctx context.Context, key Key) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if ok {
		_ = s.Close(ctx)
	}
}

// CloseAll closes every tracked session.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[Key]Session)
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close(ctx)
	}
}
