// Package events is the gateway's in-memory activity feed.
//
// Components publish small JSON payloads (callback accepted, credential
// refreshed, outbound send failed). The hub keeps the most recent events for
// the admin endpoint and fans them out to live subscribers. Payloads must
// never contain tokens, keys or message content.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types published by the callback server.
const (
	CallbackAccepted  = "callback.accepted"
	CallbackDuplicate = "callback.duplicate"
	CallbackRejected  = "callback.rejected"
	CallbackFailed    = "callback.failed"
)

// Event is one entry in the feed. ID increases by one per publish; UUID is
// stable across processes for correlating with external logs.
type Event struct {
	ID   int64           `json:"id"`
	UUID string          `json:"uuid"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub is a bounded history plus non-blocking fan-out.
type Hub struct {
	mu     sync.Mutex
	now    func() time.Time
	lastID int64

	// history is a circular buffer; next is the slot the next event goes to.
	history []Event
	next    int
	full    bool

	subs   map[uint64]chan Event
	subSeq uint64
}

// NewHub keeps up to capacity events. A non-positive capacity means 100.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		now:     time.Now,
		history: make([]Event, capacity),
		subs:    make(map[uint64]chan Event),
	}
}

// Publish records an event. Data that cannot be marshalled is stored as {}.
func (h *Hub) Publish(eventType string, data any) {
	raw := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			raw = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{ID: h.lastID, UUID: uuid.NewString(), Type: eventType, At: h.now().UTC(), Data: raw}

	h.history[h.next] = ev
	h.next = (h.next + 1) % len(h.history)
	if h.next == 0 {
		h.full = true
	}

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default: // subscriber is behind; it loses this event
		}
	}
}

// Subscribe returns a channel of future events and a func that closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subSeq++
	id := h.subSeq
	ch := make(chan Event, 64)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
}

// SnapshotSince returns retained events with ID > lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ordered := h.history[:h.next]
	if h.full {
		ordered = append(append([]Event(nil), h.history[h.next:]...), h.history[:h.next]...)
	}

	out := make([]Event, 0, len(ordered))
	for _, ev := range ordered {
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// LastID is the ID of the newest event, or 0 before the first publish.
func (h *Hub) LastID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastID
}
