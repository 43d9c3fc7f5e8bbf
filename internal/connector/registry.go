package connector

import (
	"fmt"
	"sync"
)

// Registry maps connection keys to connector implementations. It is built
// once at process start and injected where needed; the engine never holds
// connector singletons in module state.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register binds a connector to its connection key, replacing any previous
// binding.
func (r *Registry) Register(key string, c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[key] = c
}

// Get resolves the connector for a connection key.
func (r *Registry) Get(key string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[key]
	if !ok {
		return nil, fmt.Errorf("no connector registered for connection key %q", key)
	}
	return c, nil
}
