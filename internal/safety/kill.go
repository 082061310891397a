package safety

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/strikebot/strikebot/internal/config"
)

const killPollInterval = 50 * time.Millisecond

// WritePidFile records the current pid for the kill switch.
func WritePidFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating pid dir: %w", err)
	}
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(path, []byte(pid+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}

// ReadPidFile returns the recorded pid.
func ReadPidFile(path string) (int32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading pid file: %w", err)
	}
	pid, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 32)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s holds no valid pid", path)
	}
	return int32(pid), nil
}

// RemovePidFile deletes the pid file. Best effort.
func RemovePidFile(path string) {
	_ = os.Remove(path)
}

// Kill stops the engine recorded in the pid file: SIGTERM first, then
// SIGKILL if the process has not exited within the graceful timeout.
// It returns once the process is confirmed gone or the forceful
// ceiling expires. A stale pid file is cleaned up and treated as
// already stopped.
func Kill(ctx context.Context, cfg config.SafetyConfig, notifier Notifier) error {
	pid, err := ReadPidFile(cfg.PidFile)
	if err != nil {
		return fmt.Errorf("engine not running: %w", err)
	}
	if err := KillPid(ctx, cfg, pid, notifier); err != nil {
		return err
	}
	RemovePidFile(cfg.PidFile)
	return nil
}

// KillPid runs the TERM-then-KILL ladder against one process. A pid
// with no live process counts as already stopped.
func KillPid(ctx context.Context, cfg config.SafetyConfig, pid int32, notifier Notifier) error {
	logger := config.NewLogger("kill")

	ceiling := cfg.ForcefulCeiling()
	if ceiling <= 0 {
		ceiling = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		logger.Info().Int32("pid", pid).Msg("Engine already stopped")
		return nil
	}

	if notifier != nil {
		msg := fmt.Sprintf("pid=%d graceful_timeout=%s", pid, cfg.GracefulTimeout())
		if err := notifier.Notify(ctx, "Kill switch engaged", msg); err != nil {
			logger.Warn().Err(err).Msg("Kill alert delivery failed")
		}
	}

	logger.Info().Int32("pid", pid).Msg("Sending SIGTERM")
	if err := proc.TerminateWithContext(ctx); err != nil {
		logger.Warn().Err(err).Msg("SIGTERM failed, escalating")
	}

	graceful := cfg.GracefulTimeout()
	if graceful <= 0 {
		graceful = 3 * time.Second
	}
	if waitGone(ctx, proc, graceful) {
		logger.Info().Int32("pid", pid).Msg("Engine exited cleanly")
		return nil
	}

	logger.Warn().Int32("pid", pid).Dur("waited", graceful).Msg("Engine still running, sending SIGKILL")
	if err := proc.KillWithContext(ctx); err != nil {
		return fmt.Errorf("sending SIGKILL to pid %d: %w", pid, err)
	}
	if !waitGone(ctx, proc, ceiling) {
		return fmt.Errorf("pid %d still running after SIGKILL", pid)
	}
	logger.Info().Int32("pid", pid).Msg("Engine killed")
	return nil
}

// waitGone polls until the process exits, d elapses, or ctx expires.
func waitGone(ctx context.Context, proc *process.Process, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		running, err := proc.IsRunningWithContext(ctx)
		if err != nil || !running {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(killPollInterval):
		}
	}
}
