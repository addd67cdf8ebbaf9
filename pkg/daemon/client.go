// Package daemon provides the session backend used by the coordinator.
// Sessions live either in an external pty daemon reached over a Unix socket
// or in an embedded terminal manager. Select decides once per run.
package daemon

import (
	"context"

	"github.com/grovetools/ptyhost/pkg/models"
)

// Mode identifies which backend variant a Client is.
type Mode string

const (
	ModeExternal Mode = "external"
	ModeEmbedded Mode = "embedded"
)

// Client defines the session backend contract.
// Both RemoteClient (daemon) and LocalClient (in-process) implement it.
type Client interface {
	// Create spawns a PTY process. Fails with SPAWN_FAILED when the command
	// cannot be started, or DAEMON_UNAVAILABLE when the daemon is unreachable.
	Create(ctx context.Context, spec models.SpawnSpec) (*models.SpawnResult, error)

	// Write sends input to a session. Unknown ids are a no-op.
	Write(ctx context.Context, id string, data []byte) error

	// Resize changes a session's window size. Unknown ids are a no-op.
	Resize(ctx context.Context, id string, cols, rows uint16) error

	// Kill terminates a session. Unknown ids return SESSION_NOT_FOUND.
	Kill(ctx context.Context, id string) error

	// List returns the live session set as the backend currently sees it.
	List(ctx context.Context) ([]models.SessionStatus, error)

	// Subscribe starts data delivery for a session, flushing buffered output.
	Subscribe(ctx context.Context, id string) error

	// Events delivers data and exit events for all sessions, in order per session.
	Events() <-chan models.Event

	// IsRunning reports whether the backend is currently reachable.
	IsRunning() bool

	// Mode reports the backend variant.
	Mode() Mode

	// Close releases the client. The embedded backend also kills its sessions.
	Close() error
}
