package models

// Source identifies which kind of host registered a session.
type Source string

const (
	SourceLocal   Source = "local"
	SourceDesktop Source = "desktop"
)

// Valid reports whether s is one of the sources the registry accepts.
func (s Source) Valid() bool {
	return s == SourceLocal || s == SourceDesktop
}

// RegistryEntry is the registry's view of a session. It is always derived
// from a Session and never the source of truth.
type RegistryEntry struct {
	SessionID      string    `json:"session_id"`
	Source         Source    `json:"source"`
	DesktopURL     string    `json:"desktop_url"`
	CLIType        string    `json:"cli_type"`
	PID            int       `json:"pid"`
	OwnerAgentID   string    `json:"owner_agent_id,omitempty"`
	OwnerSessionID string    `json:"owner_session_id,omitempty"`
	OwnerRole      OwnerRole `json:"owner_role,omitempty"`
	Label          string    `json:"label"`
}

// ResetResult is the registry's answer to a full reset.
type ResetResult struct {
	OK           bool `json:"ok"`
	ClearedCount int  `json:"cleared_count"`
}
