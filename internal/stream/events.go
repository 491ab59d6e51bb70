package stream

import (
	"sync"

	"loopcast/internal/models"
)

// Hub fans session events out to any number of subscribers. Publishing never
// blocks: a subscriber that falls behind loses events rather than stalling
// the supervisor's output drain.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan models.Event
	next   int
	buffer int
	closed bool
}

// NewHub constructs a hub whose subscriber channels hold buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: make(map[int]chan models.Event), buffer: buffer}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called to release the subscription; the channel is closed on cancel.
func (h *Hub) Subscribe() (<-chan models.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		ch := make(chan models.Event)
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	ch := make(chan models.Event, h.buffer)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber with room in its buffer.
func (h *Hub) Publish(event models.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close terminates all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
