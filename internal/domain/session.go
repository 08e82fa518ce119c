package domain

import "time"

// SessionState tracks a connection through its lifecycle.
type SessionState string

const (
	SessionPending SessionState = "pending"
	SessionActive  SessionState = "active"
	SessionClosed  SessionState = "closed"
)

// Session is the server-side view of one live bidirectional connection.
type Session struct {
	ID            string
	ConnID        string
	ClientKey     string
	Room          string
	CreatedAt     time.Time
	LastActivity  time.Time
	MessageCount  int
	Authenticated bool
	State         SessionState
}

// Duration reports how long the session has existed as of now.
func (s Session) Duration(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// Idle reports how long the session has been without activity as of now.
func (s Session) Idle(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}
