package models

import "time"

// ViewMode is the UI presentation hint stored with a session record.
type ViewMode string

const (
	ViewModeTerminal ViewMode = "terminal"
	ViewModeChat     ViewMode = "chat"
)

// SessionRecord is the durable local copy of a session's non-volatile fields.
// Field names follow the on-disk JSON document.
type SessionRecord struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	PtyID         string    `json:"ptyId"`
	SessionID     string    `json:"sessionId,omitempty"`
	ClaudeMode    bool      `json:"claudeMode"`
	LinkedAgentID string    `json:"linkedAgentId,omitempty"`
	ViewMode      ViewMode  `json:"viewMode,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActiveAt  time.Time `json:"lastActiveAt"`

	CLIType   string    `json:"cliType,omitempty"`
	OwnerRole OwnerRole `json:"ownerRole,omitempty"`
}

// Key returns the backend session id this record tracks.
func (r SessionRecord) Key() string {
	if r.PtyID != "" {
		return r.PtyID
	}
	return r.ID
}
