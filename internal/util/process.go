package util

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// ProcessConfig configures process management behavior.
type ProcessConfig struct {
	GracefulTimeout time.Duration // Time to wait for graceful shutdown (default: 10s)
	PollInterval    time.Duration // Polling interval for process state (default: 100ms)
	KillWait        time.Duration // Time to wait after SIGKILL (default: 2s)
}

// StartBackgroundProcess starts a detached background process in its own
// session. The process keeps running after the parent exits.
func StartBackgroundProcess(executable string, args []string, env []string) (*os.Process, error) {
	cmd := exec.Command(executable, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Env = env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}
	// the child is reaped by init once we exit
	go cmd.Wait()
	return cmd.Process, nil
}

// StopProcess asks a process to stop through gracefulStop, then SIGKILLs
// it when isRunning still reports it alive after the graceful timeout.
func StopProcess(ctx context.Context, pid int, cfg ProcessConfig, gracefulStop func() error, isRunning func() bool) error {
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.KillWait == 0 {
		cfg.KillWait = 2 * time.Second
	}
	stopped := func() bool { return !isRunning() }

	if gracefulStop != nil {
		// a failed request still falls through to the kill below
		_ = gracefulStop()
	}
	err := PollUntil(ctx, PollConfig{Timeout: cfg.GracefulTimeout, Interval: cfg.PollInterval}, stopped)
	if err == nil {
		return nil
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if pid > 0 {
		if proc, err := os.FindProcess(pid); err == nil {
			_ = proc.Signal(syscall.SIGKILL)
		}
	}
	if err := PollUntil(ctx, PollConfig{Timeout: cfg.KillWait, Interval: cfg.PollInterval}, stopped); err != nil {
		return fmt.Errorf("failed to stop process (PID %d)", pid)
	}
	return nil
}

// IsProcessRunning checks if a process with the given PID is running.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, sending signal 0 checks if process exists
	return proc.Signal(syscall.Signal(0)) == nil
}
