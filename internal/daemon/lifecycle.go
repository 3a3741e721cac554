package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// LifecycleManager enforces the single-daemon invariant via a pid
// file. Two live daemons would mean two consumers on one bot token,
// which the chat backends treat as a hard failure, so a new start
// forcibly terminates any prior instance.
type LifecycleManager struct {
	pidFile string
}

// NewLifecycleManager creates a lifecycle manager for the given pid
// file path
func NewLifecycleManager(pidFile string) *LifecycleManager {
	return &LifecycleManager{pidFile: pidFile}
}

// Start terminates any previous instance and claims the pid file
func (l *LifecycleManager) Start() error {
	if err := os.MkdirAll(filepath.Dir(l.pidFile), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if pid, err := l.GetPID(); err == nil && pid != os.Getpid() && processAlive(pid) {
		log.Warn().Int("pid", pid).Msg("Previous daemon instance still running, terminating it")
		if err := terminate(pid, 3*time.Second); err != nil {
			return fmt.Errorf("failed to terminate previous instance (pid %d): %w", pid, err)
		}
	}

	if err := os.WriteFile(l.pidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}

	log.Info().Str("pid_file", l.pidFile).Int("pid", os.Getpid()).Msg("Pid file claimed")
	return nil
}

// Stop releases the pid file
func (l *LifecycleManager) Stop() error {
	if err := os.Remove(l.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pid file: %w", err)
	}
	return nil
}

// GetPID reads the recorded daemon pid
func (l *LifecycleManager) GetPID() (int, error) {
	data, err := os.ReadFile(l.pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file: %w", err)
	}
	return pid, nil
}

// IsRunning reports whether the recorded daemon process is alive
func (l *LifecycleManager) IsRunning() bool {
	pid, err := l.GetPID()
	if err != nil {
		return false
	}
	return processAlive(pid)
}

// processAlive probes a pid with signal 0
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// terminate sends SIGTERM, waits for exit, then falls back to SIGKILL
func terminate(pid int, grace time.Duration) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		if !processAlive(pid) {
			return nil
		}
		return err
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	log.Warn().Int("pid", pid).Msg("Previous instance ignored SIGTERM, sending SIGKILL")
	if err := process.Kill(); err != nil && processAlive(pid) {
		return err
	}
	return nil
}
