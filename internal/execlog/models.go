// Package execlog records the append-only execution history of request
// tasks: one entry per attempt, retry, failure, or skip, kept across
// retries for audit.
package execlog

import (
	"time"

	id "dsrd/pkg/domain"
)

// Status mirrors the task status vocabulary at the granularity of a single
// attempt.
type Status string

const (
	StatusInProcessing Status = "in_processing"
	StatusComplete     Status = "complete"
	StatusError        Status = "error"
	StatusSkipped      Status = "skipped"
	StatusRetrying     Status = "retrying"
	StatusPaused       Status = "paused"
	StatusAwaiting     Status = "awaiting_processing"
)

// Entry is one execution-log line. Entries are never updated or deleted.
type Entry struct {
	RequestID  id.RequestID
	ActionType id.ActionType
	Address    string
	Status     Status
	Message    string
	CreatedAt  time.Time
}
