// Package queue is the distributed dispatch fabric: one message per request
// task, consumed by worker processes. The in-flight view it exposes is an
// advisory heuristic, never a lock: duplicate delivery of the same task is
// tolerated and made safe at the task runner.
package queue

import (
	"context"

	id "dsrd/pkg/domain"
)

// Message is one task dispatch. Resume marks a resume dispatch: the awaited
// data is already persisted on the task and the runner should answer from it
// instead of calling the connector again.
type Message struct {
	RequestID id.RequestID `json:"request_id"`
	TaskID    id.TaskID    `json:"task_id"`
	Resume    bool         `json:"resume,omitempty"`
}

// Dispatcher is the producer side used by the scheduler and orchestrator.
type Dispatcher interface {
	Publish(ctx context.Context, msg Message) error
	// InFlight reports whether the task is believed to be queued or
	// executing. Best effort: a false answer may dispatch a duplicate,
	// which the runner absorbs. It must never be treated as a mutex.
	InFlight(ctx context.Context, taskID id.TaskID) (bool, error)
	// MarkDone clears the advisory in-flight marker after a task run.
	MarkDone(ctx context.Context, taskID id.TaskID) error
	// Revoke best-effort drops queued dispatches for a request. A task
	// already executing on a worker may still finish.
	Revoke(ctx context.Context, requestID id.RequestID) error
}

// Handler processes one dispatched message.
type Handler func(ctx context.Context, msg Message) error

// Consumer is the worker side.
type Consumer interface {
	// Consume blocks, delivering messages to the handler until the
	// context is canceled. Handler errors are logged and the message is
	// redelivered by the queue's own retry mechanics.
	Consume(ctx context.Context, handler Handler) error
}
