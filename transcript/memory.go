package transcript

import (
	"context"
	"sync"
)

// MemorySink keeps turns in process memory.
type MemorySink struct {
	mu    sync.RWMutex
	seen  map[string]struct{}
	turns map[string][]Turn
}

var _ Sink = (*MemorySink)(nil)

func NewMemorySink() *MemorySink {
	return &MemorySink{
		seen:  make(map[string]struct{}),
		turns: make(map[string][]Turn),
	}
}

func (m *MemorySink) Record(ctx context.Context, sessionID string, turn Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := turnKey(sessionID, turn.Seq)
	if _, ok := m.seen[key]; ok {
		return nil
	}
	m.seen[key] = struct{}{}
	m.turns[sessionID] = append(m.turns[sessionID], turn)
	return nil
}

// Turns returns a copy of the session's turns in recording order.
func (m *MemorySink) Turns(sessionID string) []Turn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Turn(nil), m.turns[sessionID]...)
}

func (m *MemorySink) Close() error { return nil }
