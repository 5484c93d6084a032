package models

import "time"

// SessionStatus represents the current state of a browser session
type SessionStatus string

const (
	SessionRunning SessionStatus = "RUNNING"
	SessionClosed  SessionStatus = "CLOSED"
)

// SessionInfo describes a live browser session kept open for inspection
type SessionInfo struct {
	ID            string        `json:"id"`
	CorrelationID string        `json:"correlationId"`
	Status        SessionStatus `json:"status"`
	Backend       string        `json:"backend"`
	StartedAt     time.Time     `json:"startedAt"`
	Pages         int           `json:"pages"`
	DebugURL      string        `json:"debugUrl,omitempty"`
}
