package events

import (
	"context"
	"sync"
)

// Hub fans events out to in-process subscribers such as websocket streams.
// Slow subscribers miss events instead of blocking the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]string
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]string{}}
}

// Subscribe registers a channel receiving events for tenantID, or for every tenant when
// tenantID is empty.
func (h *Hub) Subscribe(tenantID string, buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = tenantID
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Emit(_ context.Context, e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, tenant := range h.subs {
		if tenant != "" && e.TenantID != "" && tenant != e.TenantID {
			continue
		}
		select {
		case ch <- e:
		default:
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
