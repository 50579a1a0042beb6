// Package lock guards the durable state directory against a second
// steward daemon. Two planners over the same state files would race
// each other's board updates; a PID file in the state directory keeps
// it to one process, with stale files from crashed runs cleaned up.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDFileName is the guard file name inside the state directory.
const PIDFileName = "steward.pid"

// DaemonGuard prevents two daemons from sharing one state directory.
type DaemonGuard struct {
	stateDir string
}

// NewDaemonGuard creates a guard for the given state directory.
func NewDaemonGuard(stateDir string) *DaemonGuard {
	return &DaemonGuard{stateDir: stateDir}
}

func (g *DaemonGuard) pidFilePath() string {
	return filepath.Join(g.stateDir, PIDFileName)
}

// Check verifies no other daemon holds the state directory. A stale
// PID file (process gone, or unparseable) is removed. Returns an
// AlreadyRunningError when a live process holds the guard.
func (g *DaemonGuard) Check() error {
	data, err := os.ReadFile(g.pidFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		_ = os.Remove(g.pidFilePath())
		return nil
	}

	if pid != os.Getpid() && processExists(pid) {
		return &AlreadyRunningError{PID: pid, StateDir: g.stateDir}
	}

	_ = os.Remove(g.pidFilePath())
	return nil
}

// Acquire writes the current process PID to the guard file. Call
// Check first; Acquire itself does not re-verify.
func (g *DaemonGuard) Acquire() error {
	if err := os.MkdirAll(g.stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(g.pidFilePath(), []byte(pid), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Release removes the guard file. Safe to call when absent.
func (g *DaemonGuard) Release() {
	_ = os.Remove(g.pidFilePath())
}

// AlreadyRunningError reports a live daemon on the state directory.
type AlreadyRunningError struct {
	PID      int
	StateDir string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("steward already running (pid %d) on %s", e.PID, e.StateDir)
}

// processExists reports whether a process with the given PID is alive.
// On Unix FindProcess always succeeds; signal 0 performs the real probe.
func processExists(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
