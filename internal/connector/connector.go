// Package connector defines the capability contract the engine executes
// tasks against. Concrete per-backend adapters live outside this module;
// the engine depends only on this interface and never on connector types.
package connector

import (
	"context"

	"dsrd/internal/graph"
)

// ResultKind tags the execution outcome. Pauses are results, not errors:
// they travel up the call stack explicitly instead of unwinding it.
type ResultKind string

const (
	ResultSuccess       ResultKind = "success"
	ResultNeedsInput    ResultKind = "needs_input"
	ResultAwaitingAsync ResultKind = "awaiting_async"
	ResultFailure       ResultKind = "failure"
)

// FailureKind separates retriable transient failures from permanent ones.
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
)

// ActionRequired describes what a paused task is waiting for, in a form
// operator tooling can render.
type ActionRequired struct {
	Description string   `json:"description"`
	Fields      []string `json:"fields,omitempty"`
}

// Failure carries the error detail of a failed execution.
type Failure struct {
	Kind   FailureKind
	Detail string
}

// Result is the tagged outcome of one connector invocation.
type Result struct {
	Kind ResultKind

	// Success payloads, one per action type.
	Rows        []map[string]any
	RowsMasked  int
	ConsentSent bool

	// ActionRequired is set for needs_input and awaiting_async results.
	ActionRequired *ActionRequired
	// Failure is set for failure results.
	Failure *Failure
}

// Retrieved builds a success result carrying access rows.
func Retrieved(rows []map[string]any) Result {
	return Result{Kind: ResultSuccess, Rows: rows}
}

// Masked builds a success result carrying the masked row count.
func Masked(count int) Result {
	return Result{Kind: ResultSuccess, RowsMasked: count}
}

// ConsentOutcome builds a success result carrying the propagation flag.
func ConsentOutcome(sent bool) Result {
	return Result{Kind: ResultSuccess, ConsentSent: sent}
}

// NeedsInput builds a pause result awaiting manual human input.
func NeedsInput(spec ActionRequired) Result {
	return Result{Kind: ResultNeedsInput, ActionRequired: &spec}
}

// AwaitingAsync builds a pause result awaiting a third-party callback or poll.
func AwaitingAsync(spec ActionRequired) Result {
	return Result{Kind: ResultAwaitingAsync, ActionRequired: &spec}
}

// TransientFailure builds a retriable failure result.
func TransientFailure(detail string) Result {
	return Result{Kind: ResultFailure, Failure: &Failure{Kind: FailureTransient, Detail: detail}}
}

// PermanentFailure builds a non-retriable failure result.
func PermanentFailure(detail string) Result {
	return Result{Kind: ResultFailure, Failure: &Failure{Kind: FailurePermanent, Detail: detail}}
}

// RetrieveParams is the input to an access execution: the schema snapshot
// plus resolved values keyed by the collection's input keys.
type RetrieveParams struct {
	Collection graph.Collection
	Details    graph.NodeDetails
	Inputs     map[string][]any
}

// MaskParams is the input to an erasure execution. Data preserves the
// do-not-mask placeholders produced by the access-to-erasure copy step.
type MaskParams struct {
	Collection       graph.Collection
	Details          graph.NodeDetails
	Data             []map[string]any
	TargetCategories []string
	MaskingStrategy  string
}

// ConsentParams is the input to a consent propagation.
type ConsentParams struct {
	Details    graph.NodeDetails
	Identities map[string]any
}

// Connector is the per-backend capability interface.
type Connector interface {
	Retrieve(ctx context.Context, params RetrieveParams) Result
	Mask(ctx context.Context, params MaskParams) Result
	SendConsent(ctx context.Context, params ConsentParams) Result
}
