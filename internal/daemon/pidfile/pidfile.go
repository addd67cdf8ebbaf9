// Package pidfile provides single-instance locking and PID files for the pty daemon.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/grovetools/ptyhost/pkg/process"
)

// Lock is a held daemon instance lock.
type Lock struct {
	path  string
	flock *flock.Flock
}

// Acquire takes an exclusive lock next to path and writes the current PID.
// It returns an error if another instance holds the lock.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create pid directory: %w", err)
	}

	fl := flock.New(path + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock pid file: %w", err)
	}
	if !locked {
		if pid, err := Read(path); err == nil {
			return nil, fmt.Errorf("daemon already running with PID %d", pid)
		}
		return nil, fmt.Errorf("daemon already running")
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("failed to write pid file: %w", err)
	}

	return &Lock{path: path, flock: fl}, nil
}

// Release removes the PID file and drops the lock.
func (l *Lock) Release() error {
	removeErr := os.Remove(l.path)
	if err := l.flock.Unlock(); err != nil {
		return err
	}
	if removeErr != nil && !os.IsNotExist(removeErr) {
		return removeErr
	}
	return nil
}

// Read returns the PID from the file.
func Read(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(content)))
}

// IsRunning checks if the daemon described by the pidfile is active.
func IsRunning(path string) (bool, int, error) {
	pid, err := Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	return process.IsProcessAlive(pid), pid, nil
}
