// Package agent defines the business controller contract the real-time
// layer calls to turn a client message into a reply.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/knightrooks/agenthub/internal/ring"
)

// ErrEmptyMessage is returned for messages without content.
var ErrEmptyMessage = errors.New("agent: empty message")

// Request is one client message routed to a controller.
type Request struct {
	SessionID string
	RequestID string
	Message   string
	Context   map[string]any
}

// Reply is the controller output sent back to the session's room.
type Reply struct {
	Text string         `json:"text"`
	Data map[string]any `json:"data,omitempty"`
}

// Controller produces replies. Implementations must be safe for concurrent
// use; the caller holds no locks during ProcessMessage.
type Controller interface {
	Name() string
	Capabilities() []string
	ProcessMessage(ctx context.Context, req Request) (Reply, error)
}

// Forgetter is implemented by controllers that keep per-session state.
type Forgetter interface {
	Forget(sessionID string)
}

const defaultMemory = 10

type turn struct {
	role string
	text string
	at   time.Time
}

// Template is a simple controller that answers from a format string and
// keeps a short per-session transcript.
type Template struct {
	name         string
	capabilities []string
	format       string
	memory       int
	now          func() time.Time

	mu       sync.Mutex
	sessions map[string]*transcript
}

// transcript keeps the recent turns of one session and the lifetime count
// of user messages, which outlives the bounded history.
type transcript struct {
	history *ring.Buffer[turn]
	turns   int
}

// NewTemplate constructs a Template controller. format receives the agent
// name, the message and the 1-based turn number in that order.
func NewTemplate(name string, capabilities []string, format string) *Template {
	if format == "" {
		format = "%s heard you: %q (turn %d)"
	}
	return &Template{
		name:         name,
		capabilities: append([]string(nil), capabilities...),
		format:       format,
		memory:       defaultMemory,
		now:          time.Now,
		sessions:     make(map[string]*transcript),
	}
}

// Name returns the agent name.
func (t *Template) Name() string { return t.name }

// Capabilities returns a copy of the advertised capabilities.
func (t *Template) Capabilities() []string { return append([]string(nil), t.capabilities...) }

// ProcessMessage records the message and returns a templated reply.
func (t *Template) ProcessMessage(ctx context.Context, req Request) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return Reply{}, ErrEmptyMessage
	}

	t.mu.Lock()
	tr, ok := t.sessions[req.SessionID]
	if !ok {
		tr = &transcript{history: ring.New[turn](t.memory)}
		t.sessions[req.SessionID] = tr
	}
	tr.turns++
	number := tr.turns
	prior := tr.history.Len()
	tr.history.Push(turn{role: "user", text: msg, at: t.now()})
	t.mu.Unlock()

	text := fmt.Sprintf(t.format, t.name, msg, number)

	t.mu.Lock()
	tr.history.Push(turn{role: "agent", text: text, at: t.now()})
	t.mu.Unlock()

	return Reply{
		Text: text,
		Data: map[string]any{"agent": t.name, "turn": number, "history": prior},
	}, nil
}

// Forget drops the transcript of a session.
func (t *Template) Forget(sessionID string) {
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
}

// Sessions reports how many transcripts are held.
func (t *Template) Sessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
