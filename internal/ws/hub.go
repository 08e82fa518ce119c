package ws

import (
	"log/slog"
	"sync"

	"github.com/knightrooks/agenthub/pkg/logger"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub groups subscribers into named rooms.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[Subscriber]struct{}
	log   *slog.Logger
}

// NewHub creates an initialized Hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		rooms: make(map[string]map[Subscriber]struct{}),
		log:   logger.OrDiscard(log).With("component", "hub"),
	}
}

// Join adds a subscriber to a room.
func (h *Hub) Join(room string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[Subscriber]struct{})
		h.rooms[room] = members
	}
	members[client] = struct{}{}
}

// Leave removes a subscriber. Empty rooms are dropped.
func (h *Hub) Leave(room string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(room, client)
}

func (h *Hub) removeLocked(room string, client Subscriber) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, client)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Broadcast sends payload to every member of room and returns how many
// deliveries succeeded. Members whose send fails are closed and removed.
// Sends happen outside the hub lock.
func (h *Hub) Broadcast(room string, payload []byte) int {
	h.mu.RLock()
	members := make([]Subscriber, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	delivered := 0
	var failed []Subscriber
	for _, c := range members {
		if err := c.Send(payload); err != nil {
			h.log.Warn("room delivery failed", "room", room, "error", err)
			failed = append(failed, c)
			continue
		}
		delivered++
	}
	if len(failed) > 0 {
		h.mu.Lock()
		for _, c := range failed {
			h.removeLocked(room, c)
		}
		h.mu.Unlock()
		for _, c := range failed {
			c.Close()
		}
	}
	return delivered
}

// Members reports the number of subscribers in room.
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Rooms reports the number of non-empty rooms.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
