package history

import (
	"context"
	"sync"
)

// MemoryBackend keeps exchanges in process memory. Nothing survives a
// restart; it backs tests and the console transport when no database is
// configured.
type MemoryBackend struct {
	mu    sync.RWMutex
	users map[int64][]Exchange
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{users: map[int64][]Exchange{}}
}

func (b *MemoryBackend) Append(_ context.Context, e Exchange) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[e.UserID] = append(b.users[e.UserID], e)
	return nil
}

func (b *MemoryBackend) Recent(_ context.Context, userID int64, limit int) ([]Exchange, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 {
		return []Exchange{}, nil
	}
	all := b.users[userID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]Exchange, len(all))
	copy(out, all)
	return out, nil
}

func (b *MemoryBackend) Clear(_ context.Context, userID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.users, userID)
	return nil
}
