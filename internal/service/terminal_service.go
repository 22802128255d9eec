package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deployd/agent/internal/docker"
	"github.com/deployd/agent/internal/events"
	"github.com/deployd/agent/internal/monitoring"
	"github.com/deployd/agent/pkg/config"
	"github.com/deployd/agent/pkg/logger"
)

// Prefers bash, falls back to sh for minimal images.
var defaultShellCmd = []string{"sh", "-c", "if command -v bash >/dev/null 2>&1; then exec bash; else exec sh; fi"}

const terminalEnv = "TERM=xterm-256color"

// SessionState is the lifecycle of one exec session.
type SessionState string

const (
	SessionAwaitingAuth  SessionState = "awaiting_auth"
	SessionAuthenticated SessionState = "authenticated"
	SessionClosed        SessionState = "closed"
)

// Close results recorded on the sessions counter
const (
	ResultAuthFailed  = "auth_failed"
	ResultAuthTimeout = "auth_timeout"
	ResultShellFailed = "shell_failed"
	ResultClientClose = "client_closed"
	ResultShellExit   = "shell_exited"
	ResultError       = "error"
)

// TerminalService opens interactive shells in containers for the exec channel
type TerminalService struct {
	runtime     docker.ContainerRuntime
	auth        *AuthService
	bus         *events.EventBus
	shellCmd    []string
	authTimeout time.Duration
}

// NewTerminalService creates a new terminal service
func NewTerminalService(runtime docker.ContainerRuntime, auth *AuthService, cfg *config.Config) *TerminalService {
	shellCmd := defaultShellCmd
	if cfg.TerminalShell != "" {
		shellCmd = []string{cfg.TerminalShell}
	}
	timeout := cfg.TerminalAuthTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TerminalService{
		runtime:     runtime,
		auth:        auth,
		shellCmd:    shellCmd,
		authTimeout: timeout,
	}
}

// SetEventBus sets the bus session events are published on.
func (s *TerminalService) SetEventBus(bus *events.EventBus) {
	s.bus = bus
}

// AuthTimeout is how long a new session may wait for its auth frame.
func (s *TerminalService) AuthTimeout() time.Duration {
	return s.authTimeout
}

// NewSession starts a session awaiting authentication.
func (s *TerminalService) NewSession(containerID, remoteAddr string) *TerminalSession {
	return &TerminalSession{
		svc:         s,
		containerID: containerID,
		remoteAddr:  remoteAddr,
		state:       SessionAwaitingAuth,
	}
}

// TerminalSession is one socket's view of one exec. It is never shared.
type TerminalSession struct {
	svc         *TerminalService
	containerID string
	remoteAddr  string

	mu       sync.Mutex
	state    SessionState
	subject  string
	shell    docker.ShellSession
	openedAt time.Time

	closeOnce sync.Once
}

// State returns the current state
func (t *TerminalSession) State() SessionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Authenticate validates the handshake token. Only the first attempt counts.
func (t *TerminalSession) Authenticate(token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != SessionAwaitingAuth {
		return &AuthError{Reason: "session is " + string(t.state)}
	}
	claims, err := t.svc.auth.ValidateToken(token)
	if err != nil {
		return err
	}
	t.subject = claims.Subject
	t.state = SessionAuthenticated
	return nil
}

// Start spawns the shell. rows and cols of zero keep the engine default.
func (t *TerminalSession) Start(ctx context.Context, rows, cols uint) (docker.ShellSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != SessionAuthenticated || t.shell != nil {
		return nil, fmt.Errorf("cannot start shell in state %s", t.state)
	}

	shell, err := t.svc.runtime.OpenShell(ctx, t.containerID, docker.ShellOptions{
		Cmd:  t.svc.shellCmd,
		Env:  []string{terminalEnv},
		Rows: rows,
		Cols: cols,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open shell: %w", err)
	}
	t.shell = shell
	t.openedAt = time.Now()

	monitoring.TerminalSessionsActive.Inc()
	logger.Info("TERMINAL: Session opened", map[string]interface{}{
		"container_id": t.containerID,
		"subject":      t.subject,
		"remote_addr":  t.remoteAddr,
	})
	t.svc.bus.Publish(events.Event{
		Type:    events.EventTerminalOpened,
		Source:  "terminal",
		Subject: t.containerID,
		Data:    map[string]interface{}{"user": t.subject},
	})
	return shell, nil
}

// Resize changes the tty geometry. It is a no-op before the shell runs.
func (t *TerminalSession) Resize(ctx context.Context, rows, cols uint) error {
	t.mu.Lock()
	shell := t.shell
	t.mu.Unlock()
	if shell == nil || rows == 0 || cols == 0 {
		return nil
	}
	return shell.Resize(ctx, rows, cols)
}

// Close tears the session down. Only the first call has an effect.
func (t *TerminalSession) Close(result string) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		prev := t.state
		t.state = SessionClosed
		shell := t.shell
		t.mu.Unlock()

		switch result {
		case ResultAuthFailed:
			monitoring.TerminalAuthFailuresTotal.WithLabelValues("invalid_token").Inc()
		case ResultAuthTimeout:
			monitoring.TerminalAuthFailuresTotal.WithLabelValues("timeout").Inc()
		}
		monitoring.TerminalSessionsTotal.WithLabelValues(result).Inc()

		if shell == nil {
			logger.Debug("TERMINAL: Session closed before shell start", map[string]interface{}{
				"container_id": t.containerID,
				"state":        string(prev),
				"result":       result,
			})
			return
		}

		if err := shell.Close(); err != nil {
			logger.Debug("TERMINAL: Shell close returned error", map[string]interface{}{
				"container_id": t.containerID,
				"error":        err.Error(),
			})
		}
		monitoring.TerminalSessionsActive.Dec()

		duration := time.Since(t.openedAt)
		logger.Info("TERMINAL: Session closed", map[string]interface{}{
			"container_id": t.containerID,
			"subject":      t.subject,
			"result":       result,
			"duration_ms":  duration.Milliseconds(),
		})
		t.svc.bus.Publish(events.Event{
			Type:    events.EventTerminalClosed,
			Source:  "terminal",
			Subject: t.containerID,
			Data: map[string]interface{}{
				"user":        t.subject,
				"result":      result,
				"duration_ms": duration.Milliseconds(),
			},
		})
	})
}
