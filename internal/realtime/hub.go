package realtime

import (
	"log"
	"sync"

	"github.com/google/uuid"
)

// subscriberBuffer bounds the per-subscriber queue. A subscriber that falls
// this far behind is dropped; delivery is at-most-once and non-durable, so a
// dropped client recovers by rejoining and refetching.
const subscriberBuffer = 32

// Subscription is one member of a post room.
type Subscription struct {
	ID   string
	C    <-chan Event
	hub  *Hub
	room string
	ch   chan Event
}

// Close leaves the room and releases the event channel.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.room, s.ID)
}

// Hub fans comment events out to the subscribers of each post room.
// Ordering is guaranteed per room only, in publish order.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Subscription
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[string]*Subscription)}
}

// Subscribe joins the room for a post and returns the member's event stream.
func (h *Hub) Subscribe(room string) *Subscription {
	sub := &Subscription{
		ID:   uuid.NewString(),
		hub:  h,
		room: room,
		ch:   make(chan Event, subscriberBuffer),
	}
	sub.C = sub.ch

	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Subscription)
		h.rooms[room] = members
	}
	members[sub.ID] = sub
	return sub
}

func (h *Hub) unsubscribe(room, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	sub, ok := members[id]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	close(sub.ch)
}

// Publish delivers an event to every current member of the room, including
// whichever member originated the mutation. A member whose buffer is full is
// dropped rather than allowed to stall the room.
func (h *Hub) Publish(room string, event Event) {
	h.mu.RLock()
	var stalled []*Subscription
	for _, sub := range h.rooms[room] {
		select {
		case sub.ch <- event:
		default:
			stalled = append(stalled, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range stalled {
		log.Printf("realtime: dropping stalled subscriber %s in room %s", sub.ID, room)
		h.unsubscribe(room, sub.ID)
	}
}

// RoomSize reports the current member count of a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
