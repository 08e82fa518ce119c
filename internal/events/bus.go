// Package events is the in-process typed publish/subscribe bus.
//
// Handlers run synchronously inside Publish, in registration order, so a
// handler observes one session's events in publish order. A failing or
// panicking handler is logged and skipped; it never aborts Publish.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/knightrooks/agenthub/internal/domain"
	"github.com/knightrooks/agenthub/internal/ring"
	"github.com/knightrooks/agenthub/pkg/logger"
)

var (
	// ErrUnknownType is returned when publishing an unregistered event type.
	ErrUnknownType = errors.New("events: unknown event type")
	// ErrPayloadMismatch is returned when a payload belongs to another event type.
	ErrPayloadMismatch = errors.New("events: payload does not match event type")
	// ErrInvalidPriority is returned for priorities outside 1..4.
	ErrInvalidPriority = errors.New("events: priority out of range")
)

const (
	DefaultHistorySize = 1000
	DefaultQueryLimit  = 100
)

// Handler reacts to one event.
type Handler func(ctx context.Context, ev domain.Event) error

// SubscriptionID identifies a registered handler for Unsubscribe.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler Handler
}

// Observer is notified after every publish; used for metrics.
type Observer interface {
	EventPublished(ev domain.Event, handlerErrors int)
}

// Bus dispatches events to handlers and retains a bounded history.
type Bus struct {
	source   string
	logger   *slog.Logger
	observer Observer
	now      func() time.Time

	mu        sync.Mutex
	handlers  map[domain.EventType][]subscription
	history   *ring.Buffer[domain.Event]
	nextID    SubscriptionID
	published map[domain.EventType]int64
	evicted   int64
	failures  int64
}

// Options configures a Bus.
type Options struct {
	Source         string
	MaxHistorySize int
	Logger         *slog.Logger
	Observer       Observer
}

// New constructs a Bus.
func New(opts Options) *Bus {
	if opts.MaxHistorySize <= 0 {
		opts.MaxHistorySize = DefaultHistorySize
	}
	return &Bus{
		source:    opts.Source,
		logger:    logger.OrDiscard(opts.Logger).With("component", "event_bus"),
		observer:  opts.Observer,
		now:       time.Now,
		handlers:  make(map[domain.EventType][]subscription),
		history:   ring.New[domain.Event](opts.MaxHistorySize),
		published: make(map[domain.EventType]int64),
	}
}

// Subscribe registers handler for events of type t.
func (b *Bus) Subscribe(t domain.EventType, handler Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[t] = append(b.handlers[t], subscription{id: b.nextID, handler: handler})
	return b.nextID
}

// Unsubscribe removes a handler. It reports whether the handler was found.
func (b *Bus) Unsubscribe(t domain.EventType, id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[t]
	for i, sub := range subs {
		if sub.id != id {
			continue
		}
		next := make([]subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(b.handlers, t)
		} else {
			b.handlers[t] = next
		}
		return true
	}
	return false
}

// Publish records an event and runs its handlers. The returned id is valid
// even when handlers fail.
func (b *Bus) Publish(ctx context.Context, t domain.EventType, sessionID string, payload domain.EventPayload, metadata map[string]any, priority domain.Priority) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if payload == nil || payload.EventType() != t {
		return "", fmt.Errorf("%w: %s", ErrPayloadMismatch, t)
	}
	if priority == 0 {
		priority = domain.PriorityLow
	}
	if !priority.Valid() {
		return "", fmt.Errorf("%w: %d", ErrInvalidPriority, priority)
	}

	ev := domain.Event{
		ID:        uuid.NewString(),
		Type:      t,
		SessionID: sessionID,
		Payload:   payload,
		Metadata:  cloneMetadata(metadata),
		Priority:  priority,
		Source:    b.source,
	}

	// stamped under the lock so history order matches timestamp order
	b.mu.Lock()
	ev.Timestamp = b.now().UTC()
	if _, evicted := b.history.Push(ev); evicted {
		b.evicted++
	}
	b.published[t]++
	subs := b.handlers[t]
	b.mu.Unlock()

	failed := 0
	for _, sub := range subs {
		if err := b.invoke(ctx, sub, ev); err != nil {
			failed++
			b.logger.Error("event handler failed",
				"event_id", ev.ID,
				"event_type", ev.Type,
				"session_id", ev.SessionID,
				"subscription", sub.id,
				"request_id", uuid.NewString(),
				"error", err)
		}
	}
	if failed > 0 {
		b.mu.Lock()
		b.failures += int64(failed)
		b.mu.Unlock()
	}
	b.logger.Debug("event published", "event_id", ev.ID, "event_type", ev.Type, "session_id", sessionID, "priority", priority)
	if b.observer != nil {
		b.observer.EventPublished(ev, failed)
	}
	return ev.ID, nil
}

func (b *Bus) invoke(ctx context.Context, sub subscription, ev domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, ev)
}

// Filter narrows a history query. Empty fields match everything.
type Filter struct {
	SessionID string
	Type      domain.EventType
	Limit     int
}

// Query returns matching events, newest first, at most Limit of them.
func (b *Bus) Query(f Filter) []domain.Event {
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	b.mu.Lock()
	snapshot := b.history.Snapshot()
	b.mu.Unlock()

	out := make([]domain.Event, 0, min(f.Limit, len(snapshot)))
	for i := len(snapshot) - 1; i >= 0; i-- {
		ev := snapshot[i]
		if f.SessionID != "" && ev.SessionID != f.SessionID {
			continue
		}
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		out = append(out, ev)
	}
	// history is in publish order; a stable sort keeps that order for equal timestamps
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Stats summarises bus activity.
type Stats struct {
	HistorySize    int                        `json:"history_size"`
	MaxHistorySize int                        `json:"max_history_size"`
	Evicted        int64                      `json:"evicted"`
	HandlerErrors  int64                      `json:"handler_errors"`
	Published      map[domain.EventType]int64 `json:"published"`
	Handlers       map[domain.EventType]int   `json:"handlers"`
}

// Stats snapshots counters under the bus lock.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := Stats{
		HistorySize:    b.history.Len(),
		MaxHistorySize: b.history.Cap(),
		Evicted:        b.evicted,
		HandlerErrors:  b.failures,
		Published:      make(map[domain.EventType]int64, len(b.published)),
		Handlers:       make(map[domain.EventType]int, len(b.handlers)),
	}
	for t, n := range b.published {
		stats.Published[t] = n
	}
	for t, subs := range b.handlers {
		stats.Handlers[t] = len(subs)
	}
	return stats
}

func cloneMetadata(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
