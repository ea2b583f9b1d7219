// Package bus fans conversation snapshots out to the surfaces watching a
// session (SSE streams, websockets).
package bus

import (
	"log/slog"
	"sync"

	"genaichat/internal/domain"
)

// Hub is an in-process snapshot fan-out keyed by session.
type Hub struct {
	mu         sync.RWMutex
	subs       map[string]map[uint64]chan domain.Snapshot
	nextID     uint64
	bufferSize int
	closed     bool
	logger     *slog.Logger
}

// New creates a Hub whose subscriber channels buffer bufferSize snapshots.
func New(bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = 8
	}
	return &Hub{
		subs:       make(map[string]map[uint64]chan domain.Snapshot),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Publish never blocks. A subscriber that fell behind loses its oldest
// pending snapshot; only the latest state matters to a renderer.
func (h *Hub) Publish(key string, snap domain.Snapshot) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}

	for id, ch := range h.subs[key] {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
			h.logger.Warn("snapshot dropped: subscriber full", "session", key, "subscriber", id)
		}
	}
}

// Subscribe registers a listener for key. The returned cancel func removes
// it and closes the channel.
func (h *Hub) Subscribe(key string) (<-chan domain.Snapshot, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan domain.Snapshot, h.bufferSize)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	h.nextID++
	id := h.nextID
	if h.subs[key] == nil {
		h.subs[key] = make(map[uint64]chan domain.Snapshot)
	}
	h.subs[key][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.unsubscribe(key, id) })
	}
}

func (h *Hub) unsubscribe(key string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.subs[key][id]
	if !ok {
		return
	}
	delete(h.subs[key], id)
	if len(h.subs[key]) == 0 {
		delete(h.subs, key)
	}
	close(ch)
}

// Subscribers reports how many listeners key has.
func (h *Hub) Subscribers(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[key])
}

// Close closes every subscriber channel. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for key, subs := range h.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(h.subs, key)
	}
}
