package task

import (
	"context"
	"sync"
	"time"

	id "dsrd/pkg/domain"
	"dsrd/pkg/platform/sentinel"
)

// InMemoryStore is the test double for the PostgreSQL task store.
type InMemoryStore struct {
	mu    sync.RWMutex
	tasks map[id.TaskID]RequestTask
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tasks: make(map[id.TaskID]RequestTask)}
}

func (s *InMemoryStore) CreateBatch(_ context.Context, tasks []*RequestTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		if _, exists := s.tasks[t.ID]; exists {
			return sentinel.ErrConflict
		}
	}
	now := time.Now()
	for _, t := range tasks {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.UpdatedAt = now
		s.tasks[t.ID] = cloneTask(t)
	}
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, taskID id.TaskID) (*RequestTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.tasks[taskID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	copied := cloneTask(&stored)
	return &copied, nil
}

func (s *InMemoryStore) FindByAddress(_ context.Context, requestID id.RequestID, action id.ActionType, address string) (*RequestTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, stored := range s.tasks {
		if stored.RequestID == requestID && stored.ActionType == action && stored.Address == address {
			copied := cloneTask(&stored)
			return &copied, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryStore) ListByRequestAndAction(_ context.Context, requestID id.RequestID, action id.ActionType) ([]*RequestTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*RequestTask
	for _, stored := range s.tasks {
		if stored.RequestID == requestID && stored.ActionType == action {
			copied := cloneTask(&stored)
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *InMemoryStore) Update(_ context.Context, t *RequestTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return sentinel.ErrNotFound
	}
	t.UpdatedAt = time.Now()
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

// cloneTask copies the slices that callers are allowed to mutate after a
// read so the store never shares backing arrays.
func cloneTask(t *RequestTask) RequestTask {
	copied := *t
	copied.UpstreamTasks = append([]string{}, t.UpstreamTasks...)
	copied.DownstreamTasks = append([]string{}, t.DownstreamTasks...)
	copied.AllDescendantTasks = append([]string{}, t.AllDescendantTasks...)
	if t.AccessData != nil {
		copied.AccessData = append([]map[string]any{}, t.AccessData...)
	}
	if t.DataForErasures != nil {
		copied.DataForErasures = append([]map[string]any{}, t.DataForErasures...)
	}
	return copied
}
