// Package events fans host lifecycle events out to status clients.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Lifecycle event kinds.
const (
	KindHostState       = "host.state"
	KindRunStarted      = "run.started"
	KindRunCompleted    = "run.completed"
	KindRunFailed       = "run.failed"
	KindRunReportFailed = "run.report_failed"
	KindCallRetry       = "rpc.retry"
)

// Event is one published lifecycle record. Data is JSON.
type Event struct {
	ID   int64           `json:"id"`
	Kind string          `json:"kind"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Publisher is the write side of a Hub.
type Publisher interface {
	Publish(kind string, data any) Event
}

// Hub keeps the most recent events in a ring and forwards new ones to subscribers.
// Subscribers that fall behind lose events rather than block publishers.
type Hub struct {
	mu     sync.Mutex
	lastID int64
	ring   []Event
	head   int // index of the oldest event
	count  int
	subs   map[chan Event]struct{}
}

// NewHub returns a hub retaining up to capacity events (default 256).
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[chan Event]struct{}),
	}
}

// Publish records an event and delivers it to current subscribers.
func (h *Hub) Publish(kind string, data any) Event {
	raw := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			raw = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{ID: h.lastID, Kind: kind, At: time.Now().UTC(), Data: raw}
	h.append(ev)

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

// Subscribe returns a channel of new events and a func that ends the subscription.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Since returns retained events with an ID greater than lastID, oldest first.
func (h *Hub) Since(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.count)
	for i := range h.count {
		ev := h.ring[(h.head+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) append(ev Event) {
	if h.count < len(h.ring) {
		h.ring[(h.head+h.count)%len(h.ring)] = ev
		h.count++
		return
	}
	h.ring[h.head] = ev
	h.head = (h.head + 1) % len(h.ring)
}
