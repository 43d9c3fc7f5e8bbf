// Package task defines the persisted DAG node of a privacy request graph
// and the store that coordinates workers around it.
package task

import (
	"time"

	"dsrd/internal/graph"
	id "dsrd/pkg/domain"
)

// Status mirrors the execution-log status vocabulary.
type Status string

const (
	StatusPending      Status = "pending"
	StatusInProcessing Status = "in_processing"
	StatusComplete     Status = "complete"
	StatusError        Status = "error"
	StatusSkipped      Status = "skipped"
	StatusRetrying     Status = "retrying"
)

// Terminal reports whether the task has finished for graph purposes.
// Error is terminal here: the graph may stall on it until a retry resets it.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusSkipped
}

// Satisfied reports whether downstream tasks may treat this upstream as
// done. Skipped collections never produce data but must not block the graph.
func (s Status) Satisfied() bool {
	return s == StatusComplete || s == StatusSkipped
}

// DoNotMask is the positional placeholder written into data_for_erasures for
// array elements no erasure rule targeted. The masking step uses it to
// distinguish "no data" from "do not touch this element".
const DoNotMask = "__preserve__"

// RequestTask is one row per (privacy request, action type, collection):
// the persisted DAG node. Edges are adjacency lists of collection address
// strings, never object references, so the graph can be reloaded from any
// worker without cyclic ownership.
type RequestTask struct {
	ID         id.TaskID
	RequestID  id.RequestID
	ActionType id.ActionType

	// Address is the canonical dataset:collection string, or a sentinel.
	Address string
	Status  Status

	CreatedAt time.Time
	UpdatedAt time.Time

	// UpstreamTasks and DownstreamTasks are the direct dependency edges.
	UpstreamTasks   []string
	DownstreamTasks []string
	// AllDescendantTasks is the transitive closure of DownstreamTasks,
	// precomputed at graph-build time so a failure can mark descendants
	// affected without a live graph walk.
	AllDescendantTasks []string

	// AccessData accumulates output rows (access and consent graphs).
	AccessData []map[string]any
	// DataForErasures is the access output copied over before the erasure
	// graph starts, with DoNotMask placeholders preserved positionally.
	DataForErasures []map[string]any

	RowsMasked        int
	ConsentSent       bool
	CallbackSucceeded bool

	// Collection is the field/reference schema snapshot captured at
	// build time, so configuration changes during a pause cannot corrupt
	// an in-flight task.
	Collection graph.Collection
	// Traversal is the precomputed execution metadata for this node.
	Traversal graph.NodeDetails
}

// IsRoot reports whether the task is the synthetic graph entry point.
func (t *RequestTask) IsRoot() bool { return t.Address == graph.ROOT.String() }

// IsTerminator reports whether the task is the synthetic graph exit.
func (t *RequestTask) IsTerminator() bool { return t.Address == graph.Terminator.String() }

// IsSentinel reports whether the task carries no real backend work.
func (t *RequestTask) IsSentinel() bool { return t.IsRoot() || t.IsTerminator() }

// Ready reports whether the task may be dispatched: it is pending and every
// direct upstream is satisfied. An errored task is not ready; the retry entry
// point resets it to pending, so a permanent failure is never re-run by the
// normal scheduling loop. The in-flight heuristic is layered on top by the
// scheduler; it is not part of the graph predicate.
func (t *RequestTask) Ready(byAddress map[string]*RequestTask) bool {
	if t.Status != StatusPending {
		return false
	}
	for _, up := range t.UpstreamTasks {
		upstream, ok := byAddress[up]
		if !ok || !upstream.Status.Satisfied() {
			return false
		}
	}
	return true
}

// ByAddress indexes tasks by their collection address string.
func ByAddress(tasks []*RequestTask) map[string]*RequestTask {
	out := make(map[string]*RequestTask, len(tasks))
	for _, t := range tasks {
		out[t.Address] = t
	}
	return out
}

// GraphComplete reports whether every task in the slice has reached a
// terminal status.
func GraphComplete(tasks []*RequestTask) bool {
	for _, t := range tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// GraphSucceeded reports whether every task is satisfied (complete or
// skipped), meaning the graph finished without failures.
func GraphSucceeded(tasks []*RequestTask) bool {
	for _, t := range tasks {
		if !t.Status.Satisfied() {
			return false
		}
	}
	return true
}
