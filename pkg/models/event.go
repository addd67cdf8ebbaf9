package models

import (
	"time"
)

// EventType represents the type of session event
type EventType string

const (
	EventTypeData EventType = "data"
	EventTypeExit EventType = "exit"
)

// Event is a data or exit notification emitted by a session backend.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	// Data holds raw PTY output for data events.
	Data []byte `json:"data,omitempty"`
	// ExitCode is set for exit events; -1 when the process was killed by a signal.
	ExitCode  int       `json:"exit_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewDataEvent builds a data event.
func NewDataEvent(sessionID string, data []byte) Event {
	return Event{Type: EventTypeData, SessionID: sessionID, Data: data, Timestamp: time.Now()}
}

// NewExitEvent builds an exit event.
func NewExitEvent(sessionID string, code int) Event {
	return Event{Type: EventTypeExit, SessionID: sessionID, ExitCode: code, Timestamp: time.Now()}
}
