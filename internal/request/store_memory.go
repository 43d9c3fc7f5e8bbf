package request

import (
	"context"
	"sync"

	id "dsrd/pkg/domain"
	"dsrd/pkg/platform/sentinel"
)

// InMemoryStore is the test double for the PostgreSQL store.
type InMemoryStore struct {
	mu           sync.RWMutex
	requests     map[id.RequestID]PrivacyRequest
	identities   map[id.RequestID][]ProvidedIdentity
	customFields map[id.RequestID][]CustomField
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		requests:     make(map[id.RequestID]PrivacyRequest),
		identities:   make(map[id.RequestID][]ProvidedIdentity),
		customFields: make(map[id.RequestID][]CustomField),
	}
}

func (s *InMemoryStore) Save(_ context.Context, r *PrivacyRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[r.ID]; exists {
		return sentinel.ErrConflict
	}
	s.requests[r.ID] = *r
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, requestID id.RequestID) (*PrivacyRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.requests[requestID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	copied := stored
	return &copied, nil
}

func (s *InMemoryStore) Update(_ context.Context, r *PrivacyRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.ID]; !ok {
		return sentinel.ErrNotFound
	}
	s.requests[r.ID] = *r
	return nil
}

func (s *InMemoryStore) ListByStatus(_ context.Context, status Status) ([]*PrivacyRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*PrivacyRequest
	for _, stored := range s.requests {
		if stored.Status == status {
			copied := stored
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *InMemoryStore) SaveIdentities(_ context.Context, requestID id.RequestID, identities []ProvidedIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[requestID] = append([]ProvidedIdentity{}, identities...)
	return nil
}

func (s *InMemoryStore) ListIdentities(_ context.Context, requestID id.RequestID) ([]ProvidedIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ProvidedIdentity{}, s.identities[requestID]...), nil
}

func (s *InMemoryStore) SaveCustomFields(_ context.Context, requestID id.RequestID, fields []CustomField) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customFields[requestID] = append([]CustomField{}, fields...)
	return nil
}

func (s *InMemoryStore) ListCustomFields(_ context.Context, requestID id.RequestID) ([]CustomField, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]CustomField{}, s.customFields[requestID]...), nil
}
