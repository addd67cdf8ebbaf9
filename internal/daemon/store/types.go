// Package store provides the in-memory state and event hub for the pty daemon.
package store

import (
	"time"

	"github.com/grovetools/ptyhost/pkg/models"
)

// SessionInfo is the daemon's bookkeeping for one hosted session.
type SessionInfo struct {
	ID         string    `json:"id"`
	PID        int       `json:"pid"`
	Command    string    `json:"command"`
	Args       []string  `json:"args,omitempty"`
	Cwd        string    `json:"cwd,omitempty"`
	Subscribed bool      `json:"subscribed"`
	CreatedAt  time.Time `json:"created_at"`
}

// State represents the complete world view of the daemon.
type State struct {
	StartedAt time.Time               `json:"started_at"`
	Sessions  map[string]*SessionInfo `json:"sessions"` // Keyed by ID
}

// Status summarizes the daemon for `ptyhost daemon status`.
type Status struct {
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"started_at"`
	Sessions    int       `json:"sessions"`
	Subscribers int       `json:"subscribers"`
}

// subscriberBuffer bounds events queued for one event-stream client.
const subscriberBuffer = 1024

// Subscription receives session events. C is closed when the subscriber
// is removed, including when it fell too far behind.
type Subscription struct {
	C chan models.Event
}
