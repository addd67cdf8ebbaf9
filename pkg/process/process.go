package process

import (
	"os"
	"syscall"
	"time"
)

// IsProcessAlive checks if a process with the given PID is still running.
// It uses a signal-sending method that is cross-platform for Unix-like systems (macOS, Linux).
func IsProcessAlive(pid int) bool {
	// PID 0 or less is invalid.
	if pid <= 0 {
		return false
	}

	// Find the process. This doesn't fail on Unix if the process doesn't exist.
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 checks for existence without delivering anything.
	// EPERM means the process exists but belongs to someone else.
	err = process.Signal(syscall.Signal(0))
	return err == nil || os.IsPermission(err)
}

// Terminate sends SIGTERM to pid and waits up to grace for it to exit,
// escalating to SIGKILL afterwards. It returns true once the process is gone.
func Terminate(pid int, grace time.Duration) bool {
	if !IsProcessAlive(pid) {
		return true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = proc.Signal(syscall.SIGTERM)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !IsProcessAlive(pid) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}

	_ = proc.Signal(syscall.SIGKILL)
	time.Sleep(50 * time.Millisecond)
	return !IsProcessAlive(pid)
}
