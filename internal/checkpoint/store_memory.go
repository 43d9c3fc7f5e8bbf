package checkpoint

import (
	"context"
	"sync"
	"time"

	id "dsrd/pkg/domain"
)

// InMemoryStore is the test double for the Redis checkpoint store. It
// honors TTLs lazily on read so eviction behavior can be tested with a
// fake clock.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[id.RequestID]memoryEntry
	ttls    TTLs
	now     func() time.Time
}

type memoryEntry struct {
	cp        Checkpoint
	expiresAt time.Time
}

func NewInMemoryStore(ttls TTLs) *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[id.RequestID]memoryEntry),
		ttls:    ttls,
		now:     time.Now,
	}
}

// WithClock overrides the time source for tests.
func (s *InMemoryStore) WithClock(now func() time.Time) *InMemoryStore {
	s.now = now
	return s
}

func (s *InMemoryStore) Record(_ context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp.RecordedAt.IsZero() {
		cp.RecordedAt = s.now()
	}
	entry := memoryEntry{cp: cp}
	if ttl := s.ttls.For(cp.Kind); ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.entries[cp.RequestID] = entry
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, requestID id.RequestID) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[requestID]
	if !ok {
		return nil, nil
	}
	if !entry.expiresAt.IsZero() && s.now().After(entry.expiresAt) {
		return nil, nil
	}
	copied := entry.cp
	return &copied, nil
}

func (s *InMemoryStore) Clear(_ context.Context, requestID id.RequestID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, requestID)
	return nil
}
