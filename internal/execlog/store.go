package execlog

import (
	"context"

	id "dsrd/pkg/domain"
)

// Store is append-only: task-level outcomes are recorded as history and
// never silently swallowed, even across retries.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	ListByRequest(ctx context.Context, requestID id.RequestID) ([]Entry, error)
}
