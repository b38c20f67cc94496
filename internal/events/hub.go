// Package events is an in-memory pub/sub for dispatcher lifecycle
// notifications. Subscribers are best-effort: a slow consumer drops events
// rather than stalling the dispatch path.
package events

import (
	"sync"
	"time"
)

// Lifecycle event types published by the dispatcher.
const (
	TypeStaffOnDuty     = "staff.onduty"
	TypeStaffOffDuty    = "staff.offduty"
	TypeOrderDispatched = "order.dispatched"
	TypeOrderCompleted  = "order.completed"
	TypeOrderFailed     = "order.failed"
)

// Event is one lifecycle notification. Fields holds small string attributes
// (order_id, staff_id, status, error) rather than a serialized payload.
type Event struct {
	Seq    int64
	Type   string
	At     time.Time
	Fields map[string]string
}

// Hub fans events out to subscribers and keeps a bounded replay buffer for
// clients that attach late.
type Hub struct {
	mu      sync.Mutex
	seq     int64
	buffer  []Event // oldest first, len <= capacity
	cap     int
	subs    map[int]chan Event
	nextSub int
}

// NewHub creates a hub retaining up to capacity events for replay.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		cap:  capacity,
		subs: make(map[int]chan Event),
	}
}

// Publish records the event and offers it to every subscriber without
// blocking.
func (h *Hub) Publish(eventType string, fields map[string]string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	ev := Event{
		Seq:    h.seq,
		Type:   eventType,
		At:     time.Now().UTC(),
		Fields: fields,
	}

	if len(h.buffer) == h.cap {
		copy(h.buffer, h.buffer[1:])
		h.buffer = h.buffer[:h.cap-1]
	}
	h.buffer = append(h.buffer, ev)

	for _, ch := range h.subs {
		// Don't let slow clients block the dispatch path.
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a consumer. The returned cancel func detaches it and
// closes its channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSub
	h.nextSub++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// Replay returns buffered events with Seq > after, oldest first. after == 0
// returns the whole buffer.
func (h *Hub) Replay(after int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, len(h.buffer))
	for _, ev := range h.buffer {
		if after == 0 || ev.Seq > after {
			out = append(out, ev)
		}
	}
	return out
}
