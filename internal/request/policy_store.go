package request

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	id "dsrd/pkg/domain"
	"dsrd/pkg/platform/sentinel"
)

// PolicyStore resolves policies by id. Policies are configuration loaded at
// startup, so the in-memory implementation doubles as the production one;
// the interface exists so a config-service-backed lookup can slot in.
type PolicyStore interface {
	Get(ctx context.Context, policyID id.PolicyID) (Policy, error)
}

// InMemoryPolicyStore holds registered policies.
type InMemoryPolicyStore struct {
	mu       sync.RWMutex
	policies map[id.PolicyID]Policy
}

func NewInMemoryPolicyStore() *InMemoryPolicyStore {
	return &InMemoryPolicyStore{policies: make(map[id.PolicyID]Policy)}
}

// Register adds or replaces a policy.
func (s *InMemoryPolicyStore) Register(p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = p
}

// policyConfig is the file representation of a Policy. The execution
// timeframe is a duration string ("1080h") rather than nanoseconds.
type policyConfig struct {
	ID                 id.PolicyID `json:"id"`
	Key                string      `json:"key"`
	Rules              []Rule      `json:"rules"`
	ExecutionTimeframe string      `json:"execution_timeframe,omitempty"`
	AutoApprove        bool        `json:"auto_approve,omitempty"`
}

// LoadPolicyFile reads policies from a JSON configuration file into a
// ready-to-use store.
func LoadPolicyFile(path string) (*InMemoryPolicyStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var configs []policyConfig
	if err := json.Unmarshal(raw, &configs); err != nil {
		return nil, fmt.Errorf("decode policy file %s: %w", path, err)
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("policy file %s declares no policies", path)
	}
	store := NewInMemoryPolicyStore()
	for _, c := range configs {
		if len(c.Rules) == 0 {
			return nil, fmt.Errorf("policy %s has no rules", c.Key)
		}
		for _, r := range c.Rules {
			if !r.ActionType.Valid() {
				return nil, fmt.Errorf("policy %s rule %s: unknown action type %q", c.Key, r.Key, r.ActionType)
			}
		}
		p := Policy{ID: c.ID, Key: c.Key, Rules: c.Rules, AutoApprove: c.AutoApprove}
		if c.ExecutionTimeframe != "" {
			p.ExecutionTimeframe, err = time.ParseDuration(c.ExecutionTimeframe)
			if err != nil {
				return nil, fmt.Errorf("policy %s: bad execution timeframe: %w", c.Key, err)
			}
		}
		store.Register(p)
	}
	return store, nil
}

func (s *InMemoryPolicyStore) Get(_ context.Context, policyID id.PolicyID) (Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[policyID]
	if !ok {
		return Policy{}, sentinel.ErrNotFound
	}
	return p, nil
}
