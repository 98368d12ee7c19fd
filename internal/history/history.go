// Package history owns the bounded in-memory event record and the broadcast
// fan-out to live subscribers. One mutex serializes all access; broadcast is
// fire-and-forget so a slow subscriber can never stall the pipeline.
package history

import (
	"sync"
	"time"

	"hackstone/internal/model"
)

// History is a bounded ring of emitted events plus the subscriber set.
type History struct {
	mu      sync.Mutex
	cap     int
	events  []model.Event
	subs    map[int]chan model.Event
	nextSub int
	dropped uint64
}

// New creates a history retaining at most capacity events.
func New(capacity int) *History {
	return &History{
		cap:  capacity,
		subs: make(map[int]chan model.Event),
	}
}

// Append stores an event, evicting the oldest entry once the ring is full.
func (h *History) Append(ev model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.events = append(h.events, ev)
	if len(h.events) > h.cap {
		h.events = h.events[len(h.events)-h.cap:]
	}
}

// Broadcast delivers the event to every live subscriber without blocking.
// A subscriber whose buffer is full misses the event; the stream is
// best-effort at-least-once only for attentive consumers.
func (h *History) Broadcast(ev model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped++
		}
	}
}

// Recent returns up to limit events, newest first.
func (h *History) Recent(limit int) []model.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.events)
	if limit > n {
		limit = n
	}
	out := make([]model.Event, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, h.events[i])
	}
	return out
}

// Snapshot returns a copy of the full ring in ascending time order.
func (h *History) Snapshot() []model.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]model.Event, len(h.events))
	copy(out, h.events)
	return out
}

// CountRecentForPath counts events on the given path since the cutoff.
// Summary events are excluded so suppressed bursts do not inflate risk.
func (h *History) CountRecentForPath(path string, since time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	count := 0
	for i := len(h.events) - 1; i >= 0; i-- {
		ev := h.events[i]
		if ev.Timestamp.Before(since) {
			break
		}
		if !ev.IsSummary && ev.Path == path {
			count++
		}
	}
	return count
}

// Subscribe registers a live consumer with its own outbound buffer and
// returns its id and receive channel.
func (h *History) Subscribe(buffer int) (int, <-chan model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSub
	h.nextSub++
	ch := make(chan model.Event, buffer)
	h.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a consumer and closes its channel.
func (h *History) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Subscribers returns the number of live subscribers.
func (h *History) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Len returns the number of retained events.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}
