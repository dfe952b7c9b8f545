package downloader

import (
	"sync"

	"hls-vault/internal/domain"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity used when a
// subscriber does not ask for one.
const DefaultSubscriberBuffer = 64

// Hub fans progress events out to subscribers. Each subscriber owns a
// bounded buffer; when a slow subscriber falls behind, the oldest queued
// event is dropped so publishers never block the fetch loop.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan domain.ProgressEvent
	nextID int
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan domain.ProgressEvent)}
}

// Subscribe registers a new subscriber and returns its event channel plus a
// cancel function. The channel is closed on cancel or hub shutdown.
func (h *Hub) Subscribe(buffer int) (<-chan domain.ProgressEvent, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan domain.ProgressEvent, buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
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

// Publish delivers ev to every subscriber without blocking. Events for one
// task are published from its own goroutine, so per-task ordering is
// preserved and a terminal event is always the last one observed.
func (h *Hub) Publish(ev domain.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// full: drop the oldest queued event to make room
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Close shuts the hub down and closes all subscriber channels.
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
