package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/trailscore/station-core/internal/infrastructure/config"
	"github.com/trailscore/station-core/internal/infrastructure/logging"
)

// Status represents the current state of the supervised console.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

const (
	// outputBufferSize is the buffer size for capturing console stdout/stderr.
	outputBufferSize = 4096

	// gracefulTimeout is how long to wait for the console to exit after
	// SIGTERM before escalating to SIGKILL.
	gracefulTimeout = 10 * time.Second

	defaultRestartDelay = 5 * time.Second
)

// Supervisor keeps the kiosk console process alive.
//
// A crashed console restarts after RestartDelay, up to MaxRestartAttempts
// times. Stop tears down the entire process group so browser renderer
// children die with the parent.
type Supervisor struct {
	cfg    config.ConsoleConfig
	logger *logging.Logger

	mu            sync.RWMutex
	cmd           *exec.Cmd
	status        Status
	restartCount  int
	lastError     error
	startedAt     time.Time
	stopRequested bool

	done chan struct{}
}

// New creates a supervisor for the configured console binary.
func New(cfg config.ConsoleConfig, logger *logging.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		logger: logger.With("component", "console"),
		status: StatusStopped,
	}
}

// Start launches the console and begins monitoring it. The console restarts
// automatically on unexpected exit until the context is cancelled, Stop is
// called, or the restart budget runs out.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusRunning || s.status == StatusStarting {
		s.mu.Unlock()
		return errors.New("console is already running")
	}
	s.status = StatusStarting
	s.stopRequested = false
	s.done = make(chan struct{})
	s.mu.Unlock()

	if err := s.launch(ctx); err != nil {
		s.mu.Lock()
		s.status = StatusFailed
		s.lastError = err
		s.mu.Unlock()
		return err
	}

	go s.monitor(ctx)

	return nil
}

// launch starts the console process.
func (s *Supervisor) launch(ctx context.Context) error {
	s.logger.Info("starting console", "binary", s.cfg.Binary, "args", s.cfg.Args)

	cmd := exec.CommandContext(ctx, s.cfg.Binary, s.cfg.Args...) //nolint:gosec // Binary path comes from operator config

	// New process group so Stop can signal the console and its renderer
	// children together
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting console: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.status = StatusRunning
	s.startedAt = time.Now()
	s.mu.Unlock()

	go s.captureOutput("stdout", stdout)
	go s.captureOutput("stderr", stderr)

	s.logger.Info("console started", "pid", cmd.Process.Pid)

	return nil
}

// captureOutput reads from the given stream and logs each chunk.
func (s *Supervisor) captureOutput(stream string, r io.Reader) {
	buf := make([]byte, outputBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.logger.Debug("console output", "stream", stream, "output", string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// monitor waits for console exits and handles restarts.
func (s *Supervisor) monitor(ctx context.Context) {
	defer close(s.done)

	for {
		s.mu.RLock()
		cmd := s.cmd
		s.mu.RUnlock()

		if cmd == nil {
			return
		}

		err := cmd.Wait()

		s.mu.Lock()
		stopRequested := s.stopRequested
		s.mu.Unlock()

		if stopRequested {
			s.logger.Info("console stopped as requested")
			s.mu.Lock()
			s.status = StatusStopped
			s.mu.Unlock()
			return
		}

		s.logger.Warn("console exited unexpectedly", "error", err)

		s.mu.Lock()
		s.lastError = err
		s.status = StatusFailed
		s.restartCount++
		attempt := s.restartCount
		s.mu.Unlock()

		if s.cfg.MaxRestartAttempts > 0 && attempt > s.cfg.MaxRestartAttempts {
			s.logger.Error("console restart budget exhausted", "attempts", attempt)
			return
		}

		delay := time.Duration(s.cfg.RestartDelay) * time.Second
		if delay <= 0 {
			delay = defaultRestartDelay
		}
		s.logger.Info("restarting console", "attempt", attempt, "delay", delay)

		select {
		case <-ctx.Done():
			s.logger.Info("shutdown in progress, not restarting console")
			return
		case <-time.After(delay):
		}

		s.mu.RLock()
		stopRequested = s.stopRequested
		s.mu.RUnlock()
		if stopRequested {
			return
		}

		if err := s.launch(ctx); err != nil {
			s.logger.Error("failed to restart console", "error", err)
			// Loop continues and counts this as another attempt
		}
	}
}

// Stop gracefully stops the console.
// It sends SIGTERM to the process group and escalates to SIGKILL after the
// graceful timeout.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.status != StatusRunning && s.status != StatusStarting {
		s.mu.Unlock()
		return nil
	}
	s.stopRequested = true
	cmd := s.cmd
	done := s.done
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil || done == nil {
		return nil
	}

	pid := cmd.Process.Pid
	s.logger.Info("stopping console", "pid", pid)

	// Negative PID signals the whole process group (created via Setpgid)
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		if !errors.Is(err, syscall.ESRCH) {
			s.logger.Warn("failed to send SIGTERM to console group", "error", err)
		}
	}

	select {
	case <-done:
		s.logger.Info("console stopped gracefully")
		return nil
	case <-time.After(gracefulTimeout):
		s.logger.Warn("console did not exit, sending SIGKILL")
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		if !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("killing console process group: %w", err)
		}
	}

	<-done
	s.logger.Info("console killed")

	return nil
}

// Status returns the current console status.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// IsRunning reports whether the console is currently running.
func (s *Supervisor) IsRunning() bool {
	return s.Status() == StatusRunning
}

// RestartCount returns how many times the console has been restarted.
func (s *Supervisor) RestartCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restartCount
}

// PID returns the console process ID, or 0 if not running.
func (s *Supervisor) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

// Uptime returns how long the current console process has been running.
func (s *Supervisor) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusRunning {
		return 0
	}
	return time.Since(s.startedAt)
}

// Stats is a point-in-time snapshot of the supervised console.
type Stats struct {
	Status       Status        `json:"status"`
	PID          int           `json:"pid,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// Stats returns current statistics for the console process.
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Status:       s.status,
		RestartCount: s.restartCount,
	}
	if s.cmd != nil && s.cmd.Process != nil {
		stats.PID = s.cmd.Process.Pid
	}
	if s.status == StatusRunning {
		stats.Uptime = time.Since(s.startedAt)
	}
	if s.lastError != nil {
		stats.LastError = s.lastError.Error()
	}
	return stats
}
