// Package checkpoint records the furthest point a privacy request reached
// so retries and resumptions restart only the remaining subgraph.
package checkpoint

import (
	"context"
	"encoding/json"
	"time"

	id "dsrd/pkg/domain"
)

// Kind distinguishes why the checkpoint was recorded. Retry semantics
// differ: "failed" resumes by re-running, the paused kinds resume by
// supplying the awaited input or callback result.
type Kind string

const (
	KindPausedForInput Kind = "paused-for-input"
	KindPausedForAsync Kind = "paused-for-async"
	KindFailed         Kind = "failed"
)

// Checkpoint is the recorded resume point for one request: which action
// graph, which collection, and a structured "what is needed" payload for
// operator tooling.
type Checkpoint struct {
	RequestID  id.RequestID    `json:"request_id"`
	ActionType id.ActionType   `json:"action_type"`
	Address    string          `json:"collection_address"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Store is a key-value cache with per-entry TTL. Eviction of "failed"
// checkpoints after long idle periods is acceptable; paused-for-input
// checkpoints must survive the configured retention window.
type Store interface {
	Record(ctx context.Context, cp Checkpoint) error
	// Get returns nil when no checkpoint exists for the request.
	Get(ctx context.Context, requestID id.RequestID) (*Checkpoint, error)
	Clear(ctx context.Context, requestID id.RequestID) error
}

// TTLs carries the retention windows per checkpoint kind.
type TTLs struct {
	Failed time.Duration
	Paused time.Duration
}

// For returns the retention window for a kind.
func (t TTLs) For(kind Kind) time.Duration {
	if kind == KindFailed {
		return t.Failed
	}
	return t.Paused
}
