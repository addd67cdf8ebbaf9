package models

import (
	"time"
)

// OwnerRole is the coordination role a session holds for the current run.
type OwnerRole string

const (
	RoleLeader OwnerRole = "leader"
	RoleWorker OwnerRole = "worker"
)

// Valid reports whether r is one of the known roles.
func (r OwnerRole) Valid() bool {
	return r == RoleLeader || r == RoleWorker
}

// SpawnSpec describes a PTY process to start.
type SpawnSpec struct {
	// ID is the session id to use. Backends generate one when empty.
	ID      string   `json:"id,omitempty"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Cwd     string   `json:"cwd,omitempty"`
	// Env is passed to the process verbatim. A nil Env inherits the
	// environment of the backend process.
	Env  []string `json:"env,omitempty"`
	Cols uint16   `json:"cols,omitempty"`
	Rows uint16   `json:"rows,omitempty"`

	// Ownership hints; backends ignore them.
	Title          string    `json:"title,omitempty"`
	CLIType        string    `json:"cli_type,omitempty"`
	OwnerAgentID   string    `json:"owner_agent_id,omitempty"`
	// OwnerSessionID is the agent conversation the session belongs to.
	OwnerSessionID string    `json:"owner_session_id,omitempty"`
	OwnerRole      OwnerRole `json:"owner_role,omitempty"`
}

// SpawnResult is returned by a successful create.
type SpawnResult struct {
	ID  string `json:"id"`
	PID int    `json:"pid"`
}

// SessionStatus is the backend's live view of one session.
type SessionStatus struct {
	ID    string `json:"id"`
	PID   int    `json:"pid"`
	Alive bool   `json:"alive"`
}

// Session is a live PTY process as tracked by the coordination layer.
type Session struct {
	ID             string    `json:"id"`
	PID            int       `json:"pid"`
	Command        string    `json:"command"`
	Args           []string  `json:"args,omitempty"`
	Cwd            string    `json:"cwd,omitempty"`
	OwnerAgentID   string    `json:"owner_agent_id,omitempty"`
	OwnerSessionID string    `json:"owner_session_id,omitempty"`
	OwnerRole      OwnerRole `json:"owner_role"`
	Title          string    `json:"title,omitempty"`
	CLIType        string    `json:"cli_type,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// IsLeader reports whether the session holds the leader role.
func (s *Session) IsLeader() bool {
	return s.OwnerRole == RoleLeader
}
