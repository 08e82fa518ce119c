// Package registry tracks live sessions, their rooms and the connection
// and per-session message ceilings.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/knightrooks/agenthub/internal/domain"
)

var (
	// ErrCapacity is returned by Admit when the connection ceiling is reached.
	ErrCapacity = errors.New("registry: connection limit reached")
	// ErrDuplicateConnection is returned when a connection id is admitted twice.
	ErrDuplicateConnection = errors.New("registry: connection already admitted")
	// ErrUnknownSession is returned for operations on connections that are not active.
	ErrUnknownSession = errors.New("registry: unknown session")
	// ErrMessageLimit is returned once a session has used its message quota.
	ErrMessageLimit = errors.New("registry: session message limit reached")
)

const (
	DefaultMaxConnections = 100
	DefaultMaxMessages    = 50
)

// Options configures a Registry.
type Options struct {
	MaxConnections int
	MaxMessages    int
	// RoomPrefix is prepended to the session id to name its room.
	RoomPrefix string
}

// Registry owns every Session. All maps are guarded by one mutex that is
// only held for map reads and writes.
type Registry struct {
	maxConnections int
	maxMessages    int
	roomPrefix     string
	now            func() time.Time

	mu       sync.Mutex
	sessions map[string]*domain.Session // by connection id
	rooms    map[string]string          // session id -> room
	peak     int
	admitted int64
	rejected int64
}

// New constructs a Registry.
func New(opts Options) *Registry {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = DefaultMaxConnections
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = DefaultMaxMessages
	}
	if opts.RoomPrefix == "" {
		opts.RoomPrefix = "session"
	}
	return &Registry{
		maxConnections: opts.MaxConnections,
		maxMessages:    opts.MaxMessages,
		roomPrefix:     opts.RoomPrefix,
		now:            time.Now,
		sessions:       make(map[string]*domain.Session),
		rooms:          make(map[string]string),
	}
}

// Admit allocates an active Session for connID unless the registry is full.
func (r *Registry) Admit(connID, clientKey string) (domain.Session, error) {
	now := r.now().UTC()
	id := uuid.NewString()
	sess := &domain.Session{
		ID:           id,
		ConnID:       connID,
		ClientKey:    clientKey,
		Room:         r.roomPrefix + "_" + id,
		CreatedAt:    now,
		LastActivity: now,
		State:        domain.SessionPending,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[connID]; exists {
		return domain.Session{}, fmt.Errorf("%w: %s", ErrDuplicateConnection, connID)
	}
	if len(r.sessions) >= r.maxConnections {
		r.rejected++
		return domain.Session{}, ErrCapacity
	}
	sess.State = domain.SessionActive
	r.sessions[connID] = sess
	r.rooms[sess.ID] = sess.Room
	r.admitted++
	if len(r.sessions) > r.peak {
		r.peak = len(r.sessions)
	}
	return *sess, nil
}

// Release closes the session for connID. Releasing an unknown connection is
// a no-op and reports false.
func (r *Registry) Release(connID string) (domain.Session, bool) {
	r.mu.Lock()
	sess, ok := r.sessions[connID]
	if ok {
		delete(r.sessions, connID)
		delete(r.rooms, sess.ID)
		sess.State = domain.SessionClosed
	}
	r.mu.Unlock()
	if !ok {
		return domain.Session{}, false
	}
	return *sess, true
}

// Touch records one inbound message. The counter stops at the per-session
// ceiling: the call that would exceed it fails with ErrMessageLimit.
func (r *Registry) Touch(connID string) (domain.Session, error) {
	now := r.now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[connID]
	if !ok {
		return domain.Session{}, ErrUnknownSession
	}
	sess.LastActivity = now
	if sess.MessageCount >= r.maxMessages {
		return *sess, ErrMessageLimit
	}
	sess.MessageCount++
	return *sess, nil
}

// Heartbeat refreshes the activity timestamp without counting a message.
func (r *Registry) Heartbeat(connID string) (domain.Session, error) {
	now := r.now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[connID]
	if !ok {
		return domain.Session{}, ErrUnknownSession
	}
	sess.LastActivity = now
	return *sess, nil
}

// Authenticate marks the session as authenticated by an upstream layer.
func (r *Registry) Authenticate(connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[connID]
	if !ok {
		return ErrUnknownSession
	}
	sess.Authenticated = true
	return nil
}

// Lookup returns a copy of the active session for connID.
func (r *Registry) Lookup(connID string) (domain.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[connID]
	if !ok {
		return domain.Session{}, false
	}
	return *sess, true
}

// RoomOf returns the room assigned to an active session id.
func (r *Registry) RoomOf(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[sessionID]
	return room, ok
}

// Count reports the number of active connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Idle returns the sessions whose last activity is older than maxIdle.
func (r *Registry) Idle(maxIdle time.Duration) []domain.Session {
	cutoff := r.now().UTC().Add(-maxIdle)
	r.mu.Lock()
	defer r.mu.Unlock()
	var idle []domain.Session
	for _, sess := range r.sessions {
		if sess.LastActivity.Before(cutoff) {
			idle = append(idle, *sess)
		}
	}
	return idle
}

// SessionDetail summarises one active session for operators.
type SessionDetail struct {
	SessionID     string        `json:"session_id"`
	Room          string        `json:"room"`
	Connected     time.Duration `json:"connected_duration"`
	MessageCount  int           `json:"message_count"`
	IdleFor       time.Duration `json:"last_activity"`
	Authenticated bool          `json:"authenticated"`
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	ActiveConnections int             `json:"active_connections"`
	MaxConnections    int             `json:"max_connections"`
	MaxMessages       int             `json:"max_messages_per_session"`
	PeakConnections   int             `json:"peak_connections"`
	TotalAdmitted     int64           `json:"total_admitted"`
	TotalRejected     int64           `json:"total_rejected"`
	Sessions          []SessionDetail `json:"session_details"`
}

// Stats snapshots the registry. Sessions are ordered oldest first.
func (r *Registry) Stats() Stats {
	now := r.now().UTC()
	r.mu.Lock()
	stats := Stats{
		ActiveConnections: len(r.sessions),
		MaxConnections:    r.maxConnections,
		MaxMessages:       r.maxMessages,
		PeakConnections:   r.peak,
		TotalAdmitted:     r.admitted,
		TotalRejected:     r.rejected,
		Sessions:          make([]SessionDetail, 0, len(r.sessions)),
	}
	created := make(map[string]time.Time, len(r.sessions))
	for _, sess := range r.sessions {
		stats.Sessions = append(stats.Sessions, SessionDetail{
			SessionID:     sess.ID,
			Room:          sess.Room,
			Connected:     sess.Duration(now),
			MessageCount:  sess.MessageCount,
			IdleFor:       sess.Idle(now),
			Authenticated: sess.Authenticated,
		})
		created[sess.ID] = sess.CreatedAt
	}
	r.mu.Unlock()

	sort.Slice(stats.Sessions, func(i, j int) bool {
		return created[stats.Sessions[i].SessionID].Before(created[stats.Sessions[j].SessionID])
	})
	return stats
}
