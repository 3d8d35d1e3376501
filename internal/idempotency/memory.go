package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	resourceID string
	pending    bool
	expiresAt  time.Time
}

// MemoryStore is the single-instance fallback used when no redis is configured.
type MemoryStore struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore(window time.Duration) *MemoryStore {
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryStore{
		window:  window,
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Claim(_ context.Context, scope, key string) (string, bool, error) {
	hashed, err := hashKey(scope, key)
	if err != nil {
		return "", false, err
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(now)
	if entry, ok := s.entries[hashed]; ok {
		if entry.pending {
			return "", false, ErrInFlight
		}
		return entry.resourceID, false, nil
	}
	s.entries[hashed] = memoryEntry{pending: true, expiresAt: now.Add(s.window)}
	return "", true, nil
}

func (s *MemoryStore) Complete(_ context.Context, scope, key, resourceID string) error {
	hashed, err := hashKey(scope, key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[hashed] = memoryEntry{resourceID: resourceID, expiresAt: s.now().Add(s.window)}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, scope, key string) error {
	hashed, err := hashKey(scope, key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, hashed)
	return nil
}

func (s *MemoryStore) sweep(now time.Time) {
	for k, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, k)
		}
	}
}
