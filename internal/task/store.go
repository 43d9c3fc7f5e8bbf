package task

import (
	"context"

	id "dsrd/pkg/domain"
)

// Store is the single source of truth for task state and the only point of
// coordination between workers. Mutation is read-modify-write; there is no
// distributed lock, so duplicate writes of the same terminal state must be
// safe no-ops for callers.
type Store interface {
	CreateBatch(ctx context.Context, tasks []*RequestTask) error
	FindByID(ctx context.Context, taskID id.TaskID) (*RequestTask, error)
	FindByAddress(ctx context.Context, requestID id.RequestID, action id.ActionType, address string) (*RequestTask, error)
	ListByRequestAndAction(ctx context.Context, requestID id.RequestID, action id.ActionType) ([]*RequestTask, error)
	Update(ctx context.Context, t *RequestTask) error
}
