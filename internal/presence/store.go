package presence

import (
	"context"
	"sync"
	"time"
)

// Store holds per-user heartbeat timestamps. Heartbeats are derived state:
// lost entries simply read as offline until the next touch.
type Store interface {
	Touch(ctx context.Context, userID int, now time.Time) error
	LastActive(ctx context.Context, userIDs []int) (map[int]time.Time, error)
}

// MemoryStore is an in-process Store for tests and single-node runs.
type MemoryStore struct {
	mu         sync.RWMutex
	lastActive map[int]time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{lastActive: make(map[int]time.Time)}
}

// Touch records the heartbeat.
func (s *MemoryStore) Touch(ctx context.Context, userID int, now time.Time) error {
	s.mu.Lock()
	s.lastActive[userID] = now
	s.mu.Unlock()
	return nil
}

// LastActive returns heartbeat timestamps for the requested users. Users
// without a heartbeat are absent from the result.
func (s *MemoryStore) LastActive(ctx context.Context, userIDs []int) (map[int]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]time.Time, len(userIDs))
	for _, id := range userIDs {
		if t, ok := s.lastActive[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}
