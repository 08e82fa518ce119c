// Package stream fans bus events out to operator subscribers such as
// Server-Sent Events clients.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/knightrooks/agenthub/internal/domain"
	"github.com/knightrooks/agenthub/internal/events"
	"github.com/knightrooks/agenthub/internal/ws"
	"github.com/knightrooks/agenthub/pkg/logger"
)

const allRoom = "events:*"

// Service relays every bus event to the hub rooms watching it.
type Service struct {
	bus    *events.Bus
	hub    *ws.Hub
	logger *slog.Logger

	mu   sync.Mutex
	subs map[domain.EventType]events.SubscriptionID
}

// New constructs a stream service.
func New(bus *events.Bus, hub *ws.Hub, log *slog.Logger) *Service {
	return &Service{
		bus:    bus,
		hub:    hub,
		logger: logger.OrDiscard(log).With("component", "event_stream"),
		subs:   make(map[domain.EventType]events.SubscriptionID),
	}
}

// Start subscribes to every event type. Calling it twice is a no-op.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) > 0 {
		return
	}
	for _, t := range domain.EventTypes {
		s.subs[t] = s.bus.Subscribe(t, s.relay)
	}
}

// Stop removes the bus subscriptions.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t, id := range s.subs {
		s.bus.Unsubscribe(t, id)
	}
	s.subs = make(map[domain.EventType]events.SubscriptionID)
}

func (s *Service) relay(_ context.Context, ev domain.Event) error {
	if s.hub.Members(allRoom) == 0 && s.hub.Members(roomFor(ev.Type)) == 0 {
		return nil
	}
	data, err := MarshalEvent(ev)
	if err != nil {
		s.logger.Warn("failed to marshal event payload", "event_id", ev.ID, "error", err)
		return err
	}
	s.hub.Broadcast(allRoom, data)
	s.hub.Broadcast(roomFor(ev.Type), data)
	return nil
}

// Attach joins client to the stream of eventType, or of every type when
// eventType is empty. It returns the function that detaches it.
func (s *Service) Attach(client ws.Subscriber, eventType domain.EventType) (func(), error) {
	room := allRoom
	if eventType != "" {
		if !eventType.Valid() {
			return nil, fmt.Errorf("%w: %q", events.ErrUnknownType, eventType)
		}
		room = roomFor(eventType)
	}
	s.hub.Join(room, client)
	return func() { s.hub.Leave(room, client) }, nil
}

func roomFor(t domain.EventType) string {
	return "events:" + string(t)
}

// MarshalEvent formats an event for streaming payloads.
func MarshalEvent(ev domain.Event) ([]byte, error) {
	payload := map[string]any{
		"id":         ev.ID,
		"type":       ev.Type,
		"session_id": ev.SessionID,
		"timestamp":  ev.Timestamp.Format(time.RFC3339Nano),
		"priority":   ev.Priority,
		"source":     ev.Source,
		"payload":    ev.Payload,
	}
	if len(ev.Metadata) > 0 {
		payload["metadata"] = ev.Metadata
	}
	return json.Marshal(payload)
}
