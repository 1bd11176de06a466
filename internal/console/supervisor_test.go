package console

import (
	"context"
	"testing"
	"time"

	"github.com/trailscore/station-core/internal/infrastructure/config"
	"github.com/trailscore/station-core/internal/infrastructure/logging"
)

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{
		Level:  "error",
		Format: "text",
		Output: "stderr",
	}, "test")
}

func TestSupervisorInitialState(t *testing.T) {
	s := New(config.ConsoleConfig{Binary: "/bin/true"}, testLogger())

	if s.Status() != StatusStopped {
		t.Errorf("initial Status() = %q, want %q", s.Status(), StatusStopped)
	}
	if s.IsRunning() {
		t.Error("IsRunning() = true, want false")
	}
	if s.PID() != 0 {
		t.Errorf("PID() = %d, want 0", s.PID())
	}
	if s.RestartCount() != 0 {
		t.Errorf("RestartCount() = %d, want 0", s.RestartCount())
	}
	if s.Uptime() != 0 {
		t.Errorf("Uptime() = %v, want 0", s.Uptime())
	}
}

func TestSupervisorStats(t *testing.T) {
	s := New(config.ConsoleConfig{Binary: "/bin/echo"}, testLogger())

	stats := s.Stats()
	if stats.Status != StatusStopped {
		t.Errorf("Stats.Status = %q, want %q", stats.Status, StatusStopped)
	}
	if stats.PID != 0 {
		t.Errorf("Stats.PID = %d, want 0", stats.PID)
	}
	if stats.LastError != "" {
		t.Errorf("Stats.LastError = %q, want empty", stats.LastError)
	}
}

func TestSupervisorStopWhenNotRunning(t *testing.T) {
	s := New(config.ConsoleConfig{Binary: "/bin/true"}, testLogger())

	// Stopping a non-running console should be a no-op
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() on stopped console error = %v, want nil", err)
	}
}

func TestSupervisorStartAlreadyRunning(t *testing.T) {
	s := New(config.ConsoleConfig{
		Binary: "/bin/sleep",
		Args:   []string{"10"},
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("first Start() error: %v", err)
	}
	defer s.Stop()

	if err := s.Start(ctx); err == nil {
		t.Error("second Start() expected error, got nil")
	}
}

func TestSupervisorStartAndStop(t *testing.T) {
	s := New(config.ConsoleConfig{
		Binary: "/bin/sleep",
		Args:   []string{"60"},
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if !s.IsRunning() {
		t.Error("IsRunning() = false after Start()")
	}
	if s.PID() == 0 {
		t.Error("PID() = 0 after Start()")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	// Give the monitor goroutine time to update state
	time.Sleep(100 * time.Millisecond)

	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop()")
	}
}

func TestSupervisorStartWithInvalidBinary(t *testing.T) {
	s := New(config.ConsoleConfig{Binary: "/nonexistent/console"}, testLogger())

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start() with invalid binary expected error, got nil")
	}
	if s.Status() != StatusFailed {
		t.Errorf("Status() = %q, want %q", s.Status(), StatusFailed)
	}
}

func TestSupervisorRestartsCrashedConsole(t *testing.T) {
	s := New(config.ConsoleConfig{
		Binary:             "/bin/false",
		RestartDelay:       1,
		MaxRestartAttempts: 2,
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// /bin/false exits immediately; wait for at least one restart attempt
	deadline := time.Now().Add(3 * time.Second)
	for s.RestartCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	if s.RestartCount() == 0 {
		t.Error("RestartCount() = 0, want at least 1 after crash")
	}
}
