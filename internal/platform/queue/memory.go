package queue

import (
	"context"
	"sync"

	id "dsrd/pkg/domain"
)

// Memory is a channel-backed queue for tests and single-process
// deployments. It implements both Dispatcher and Consumer.
type Memory struct {
	mu       sync.Mutex
	inbox    chan Message
	inFlight map[id.TaskID]bool
	revoked  map[id.RequestID]bool
}

func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 256
	}
	return &Memory{
		inbox:    make(chan Message, buffer),
		inFlight: make(map[id.TaskID]bool),
		revoked:  make(map[id.RequestID]bool),
	}
}

func (m *Memory) Publish(_ context.Context, msg Message) error {
	m.mu.Lock()
	m.inFlight[msg.TaskID] = true
	m.mu.Unlock()
	m.inbox <- msg
	return nil
}

func (m *Memory) InFlight(_ context.Context, taskID id.TaskID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight[taskID], nil
}

func (m *Memory) MarkDone(_ context.Context, taskID id.TaskID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, taskID)
	return nil
}

func (m *Memory) Revoke(_ context.Context, requestID id.RequestID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[requestID] = true
	return nil
}

// Consume delivers messages until the context is canceled.
func (m *Memory) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-m.inbox:
			if m.isRevoked(msg.RequestID) {
				continue
			}
			if err := handler(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// Drain synchronously processes every queued message, including messages
// enqueued by the handler itself. Tests use it to run a graph to
// quiescence without goroutines.
func (m *Memory) Drain(ctx context.Context, handler Handler) error {
	for {
		select {
		case msg := <-m.inbox:
			if m.isRevoked(msg.RequestID) {
				continue
			}
			if err := handler(ctx, msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// Pending reports how many messages are queued but not yet consumed.
func (m *Memory) Pending() int {
	return len(m.inbox)
}

func (m *Memory) isRevoked(requestID id.RequestID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[requestID]
}
