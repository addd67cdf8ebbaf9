package errors

import (
	"fmt"
	"os/exec"
)

// SpawnFailed creates an error for a session the backend could not start.
func SpawnFailed(command string, err error) *GroveError {
	groveErr := Wrap(err, ErrCodeSpawnFailed, fmt.Sprintf("failed to spawn %q", command)).
		WithDetail("command", command)

	if exitErr, ok := err.(*exec.ExitError); ok {
		groveErr = groveErr.WithDetail("exitCode", exitErr.ExitCode())
	}
	return groveErr
}

// LeaderProtected creates the error returned when a kill targets the leader session.
func LeaderProtected(sessionID string) *GroveError {
	return New(ErrCodeLeaderProtected,
		fmt.Sprintf("session %s is the leader and cannot be killed", sessionID)).
		WithDetail("session_id", sessionID)
}

// SessionNotFound creates a session not found error
func SessionNotFound(sessionID string) *GroveError {
	return New(ErrCodeSessionNotFound, fmt.Sprintf("session '%s' not found", sessionID)).
		WithDetail("session_id", sessionID)
}

// DaemonUnavailable creates an error for a transport failure to the pty daemon.
func DaemonUnavailable(err error) *GroveError {
	return Wrap(err, ErrCodeDaemonUnavailable, "pty daemon is unreachable")
}

// RegistryAuth creates an error for a registry call rejected with 403.
func RegistryAuth(op string) *GroveError {
	return New(ErrCodeRegistryAuth, fmt.Sprintf("registry rejected desktop secret during %s", op)).
		WithDetail("op", op)
}

// RegistryUnavailable creates an error for a transport failure to the registry.
func RegistryUnavailable(op string, err error) *GroveError {
	return Wrap(err, ErrCodeRegistryUnavailable, fmt.Sprintf("registry unreachable during %s", op)).
		WithDetail("op", op)
}

// RegistryRejected creates an error for a non-2xx registry response other than 403.
func RegistryRejected(op string, status int) *GroveError {
	return New(ErrCodeRegistryRejected, fmt.Sprintf("registry returned status %d during %s", status, op)).
		WithDetail("op", op).
		WithDetail("status", status)
}

// ReconciliationDrift creates an error describing an orphan found in one system
// but missing from its counterpart.
func ReconciliationDrift(kind, sessionID string) *GroveError {
	return New(ErrCodeReconciliationDrift, fmt.Sprintf("%s: %s", kind, sessionID)).
		WithDetail("kind", kind).
		WithDetail("session_id", sessionID)
}

// ResetFailed creates an error for a registry reset that exhausted its attempts.
func ResetFailed(attempts int, err error) *GroveError {
	return Wrap(err, ErrCodeResetFailed, fmt.Sprintf("registry reset failed after %d attempts", attempts)).
		WithDetail("attempts", attempts)
}

// ConfigNotFound creates a configuration not found error
func ConfigNotFound(path string) *GroveError {
	return New(ErrCodeConfigNotFound, fmt.Sprintf("configuration file not found: %s", path)).
		WithDetail("path", path)
}

// ConfigInvalid creates an invalid configuration error
func ConfigInvalid(reason string) *GroveError {
	return New(ErrCodeConfigInvalid, fmt.Sprintf("invalid configuration: %s", reason))
}
