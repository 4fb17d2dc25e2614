package ui

import (
	"sync"

	"github.com/d1nch8g/interviewer/engine"
)

// Hub fans engine snapshots out to websocket subscribers. Publish never
// blocks: a slow subscriber loses stale snapshots, never the latest one.
type Hub struct {
	mu     sync.Mutex
	latest engine.Snapshot
	has    bool
	subs   map[chan engine.Snapshot]struct{}
}

var _ engine.Observer = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{subs: make(map[chan engine.Snapshot]struct{})}
}

func (h *Hub) Publish(s engine.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.latest, h.has = s, true
	for ch := range h.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		// Full: replace the stale snapshot.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

// Latest returns the most recent snapshot, if any was published.
func (h *Hub) Latest() (engine.Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest, h.has
}

// Subscribe returns a channel of snapshots starting with the latest one and
// a function that ends the subscription.
func (h *Hub) Subscribe() (<-chan engine.Snapshot, func()) {
	ch := make(chan engine.Snapshot, 8)

	h.mu.Lock()
	if h.has {
		ch <- h.latest
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
}
