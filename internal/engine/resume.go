package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"dsrd/internal/checkpoint"
	"dsrd/internal/connector"
	"dsrd/internal/platform/queue"
	"dsrd/internal/request"
	"dsrd/internal/task"
	id "dsrd/pkg/domain"
	"dsrd/pkg/platform/sentinel"
)

// ResumeWithManualInput feeds operator-supplied rows into a request paused
// for manual input and re-dispatches the paused task. The rows are
// persisted on the task before the dispatch message goes out, so a worker
// crash between the two only delays the resume.
func (e *Engine) ResumeWithManualInput(ctx context.Context, requestID id.RequestID, address string, rows []map[string]any) error {
	cp, err := e.resumableCheckpoint(ctx, requestID, address, checkpoint.KindPausedForInput)
	if err != nil {
		return err
	}

	t, err := e.tasks.FindByAddress(ctx, requestID, cp.ActionType, address)
	if err != nil {
		return fmt.Errorf("load paused task %s: %w", address, err)
	}
	switch cp.ActionType {
	case id.ActionErasure:
		t.CallbackSucceeded = true
		t.RowsMasked = len(rows)
	default:
		t.AccessData = rows
	}
	if err := e.tasks.Update(ctx, t); err != nil {
		return fmt.Errorf("store manual input on %s: %w", address, err)
	}

	return e.reopen(ctx, requestID, t.ID, cp)
}

// AsyncResult is the payload delivered by a third-party callback or
// confirmed by a poll.
type AsyncResult struct {
	Rows        []map[string]any
	RowsMasked  int
	ConsentSent bool
}

// ResumeFromAsyncCallback completes the awaited side effect of a request
// paused for an asynchronous backend and re-dispatches the paused task.
func (e *Engine) ResumeFromAsyncCallback(ctx context.Context, requestID id.RequestID, address string, result AsyncResult) error {
	cp, err := e.resumableCheckpoint(ctx, requestID, address, checkpoint.KindPausedForAsync)
	if err != nil {
		return err
	}

	t, err := e.tasks.FindByAddress(ctx, requestID, cp.ActionType, address)
	if err != nil {
		return fmt.Errorf("load paused task %s: %w", address, err)
	}
	switch cp.ActionType {
	case id.ActionAccess:
		t.AccessData = result.Rows
	case id.ActionErasure:
		t.CallbackSucceeded = true
		t.RowsMasked = result.RowsMasked
	case id.ActionConsent:
		t.ConsentSent = result.ConsentSent
	}
	if err := e.tasks.Update(ctx, t); err != nil {
		return fmt.Errorf("store callback result on %s: %w", address, err)
	}

	return e.reopen(ctx, requestID, t.ID, cp)
}

// resumableCheckpoint loads and validates the checkpoint a resume entry
// point operates on.
func (e *Engine) resumableCheckpoint(ctx context.Context, requestID id.RequestID, address string, want checkpoint.Kind) (*checkpoint.Checkpoint, error) {
	cp, err := e.checkpoints.Get(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint for %s: %w", requestID, err)
	}
	if cp == nil {
		return nil, fmt.Errorf("request %s has no checkpoint: %w", requestID, sentinel.ErrNotFound)
	}
	if cp.Kind != want {
		return nil, fmt.Errorf("request %s checkpoint is %s, not %s: %w", requestID, cp.Kind, want, sentinel.ErrInvalidState)
	}
	if cp.Address != address {
		return nil, fmt.Errorf("request %s is paused at %s, not %s: %w", requestID, cp.Address, address, sentinel.ErrInvalidState)
	}
	return cp, nil
}

// reopen moves a paused request back to processing, clears the checkpoint,
// and publishes the resume dispatch for the reopened task.
func (e *Engine) reopen(ctx context.Context, requestID id.RequestID, taskID id.TaskID, cp *checkpoint.Checkpoint) error {
	req, err := e.requests.FindByID(ctx, requestID)
	if err != nil {
		return fmt.Errorf("load request %s: %w", requestID, err)
	}
	if req.Status == request.StatusPaused {
		if err := req.Transition(request.StatusInProcessing); err != nil {
			return err
		}
		req.PausedAt = nil
		if err := e.requests.Update(ctx, req); err != nil {
			return fmt.Errorf("update request %s: %w", requestID, err)
		}
	}
	if err := e.checkpoints.Clear(ctx, requestID); err != nil {
		e.logger.Warn("checkpoint clear failed", "request_id", requestID, "error", err)
	}

	msg := queue.Message{RequestID: requestID, TaskID: taskID, Resume: true}
	if err := e.dispatcher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish resume dispatch for %s: %w", taskID, err)
	}
	e.metrics.TasksDispatched.WithLabelValues(string(cp.ActionType)).Inc()
	e.logger.Info("privacy request resumed",
		"request_id", requestID, "address", cp.Address, "kind", cp.Kind)
	return nil
}

// Retry reopens an errored request. Tasks already complete stay complete;
// errored tasks go back to pending and become dispatchable again, so only
// the remaining subgraph re-runs. This reset is the only path that makes a
// failed task schedulable: the normal loop never re-dispatches an error.
func (e *Engine) Retry(ctx context.Context, requestID id.RequestID) error {
	req, err := e.requests.FindByID(ctx, requestID)
	if err != nil {
		return fmt.Errorf("load request %s: %w", requestID, err)
	}
	if req.Status != request.StatusError {
		return fmt.Errorf("request %s is %s, only errored requests retry: %w", requestID, req.Status, sentinel.ErrInvalidState)
	}
	if err := req.Transition(request.StatusInProcessing); err != nil {
		return err
	}
	if err := e.requests.Update(ctx, req); err != nil {
		return fmt.Errorf("update request %s: %w", requestID, err)
	}

	policy, err := e.policies.Get(ctx, req.PolicyID)
	if err != nil {
		return fmt.Errorf("load policy %s: %w", req.PolicyID, err)
	}
	for _, action := range policy.ActionTypes() {
		graphTasks, err := e.tasks.ListByRequestAndAction(ctx, requestID, action)
		if err != nil {
			return fmt.Errorf("list %s tasks for %s: %w", action, requestID, err)
		}
		for _, t := range graphTasks {
			if t.Status != task.StatusError {
				continue
			}
			t.Status = task.StatusPending
			if err := e.tasks.Update(ctx, t); err != nil {
				return fmt.Errorf("reset errored task %s: %w", t.Address, err)
			}
		}
	}

	if err := e.checkpoints.Clear(ctx, requestID); err != nil {
		e.logger.Warn("checkpoint clear failed", "request_id", requestID, "error", err)
	}
	e.logger.Info("privacy request retrying", "request_id", requestID)
	return e.Advance(ctx, requestID)
}

// RequeuePollingTasks is the periodic sweep: requests paused on an
// asynchronous backend get their paused task re-dispatched as a status
// poll, and requests in processing get their ready set re-derived, which
// recovers dispatches lost to crashed workers or an expired in-flight
// marker.
func (e *Engine) RequeuePollingTasks(ctx context.Context) error {
	paused, err := e.requests.ListByStatus(ctx, request.StatusPaused)
	if err != nil {
		return fmt.Errorf("list paused requests: %w", err)
	}
	for _, req := range paused {
		cp, err := e.checkpoints.Get(ctx, req.ID)
		if err != nil {
			e.logger.Warn("checkpoint lookup failed", "request_id", req.ID, "error", err)
			continue
		}
		if cp == nil || cp.Kind != checkpoint.KindPausedForAsync {
			continue
		}
		t, err := e.tasks.FindByAddress(ctx, req.ID, cp.ActionType, cp.Address)
		if err != nil {
			e.logger.Warn("paused task lookup failed", "request_id", req.ID, "address", cp.Address, "error", err)
			continue
		}
		msg := queue.Message{RequestID: req.ID, TaskID: t.ID}
		if err := e.dispatcher.Publish(ctx, msg); err != nil {
			e.logger.Warn("poll dispatch failed", "request_id", req.ID, "task_id", t.ID, "error", err)
			continue
		}
		e.logger.Info("async poll dispatched", "request_id", req.ID, "address", cp.Address)
	}

	processing, err := e.requests.ListByStatus(ctx, request.StatusInProcessing)
	if err != nil {
		return fmt.Errorf("list in-processing requests: %w", err)
	}
	for _, req := range processing {
		if err := e.Advance(ctx, req.ID); err != nil {
			e.logger.Warn("sweep advance failed", "request_id", req.ID, "error", err)
		}
	}
	return nil
}

// Needed is the operator-facing projection of what a stopped request is
// waiting for.
type Needed struct {
	Kind           checkpoint.Kind           `json:"kind"`
	ActionType     id.ActionType             `json:"action_type"`
	Address        string                    `json:"collection_address"`
	ActionRequired *connector.ActionRequired `json:"action_required,omitempty"`
}

// WhatIsNeeded reports the resume requirements of a paused or errored
// request, or nil when the request is not stopped at a checkpoint.
func (e *Engine) WhatIsNeeded(ctx context.Context, requestID id.RequestID) (*Needed, error) {
	cp, err := e.checkpoints.Get(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint for %s: %w", requestID, err)
	}
	if cp == nil {
		return nil, nil
	}
	needed := &Needed{Kind: cp.Kind, ActionType: cp.ActionType, Address: cp.Address}
	if len(cp.Payload) > 0 {
		var spec connector.ActionRequired
		if err := json.Unmarshal(cp.Payload, &spec); err != nil {
			return nil, fmt.Errorf("decode checkpoint payload for %s: %w", requestID, err)
		}
		needed.ActionRequired = &spec
	}
	return needed, nil
}

// View is the read-model of one request: the aggregate plus per-graph task
// status counts.
type View struct {
	Request *request.PrivacyRequest     `json:"request"`
	Tasks   map[id.ActionType][]TaskRow `json:"tasks"`
}

// TaskRow is the externally visible slice of a request task.
type TaskRow struct {
	TaskID  id.TaskID   `json:"task_id"`
	Address string      `json:"collection_address"`
	Status  task.Status `json:"status"`
}

// Get assembles the read-model for one request across all of its graphs.
func (e *Engine) Get(ctx context.Context, requestID id.RequestID) (*View, error) {
	req, err := e.requests.FindByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("load request %s: %w", requestID, err)
	}
	policy, err := e.policies.Get(ctx, req.PolicyID)
	if err != nil {
		return nil, fmt.Errorf("load policy %s: %w", req.PolicyID, err)
	}

	view := &View{Request: req, Tasks: make(map[id.ActionType][]TaskRow)}
	for _, action := range policy.ActionTypes() {
		graphTasks, err := e.tasks.ListByRequestAndAction(ctx, requestID, action)
		if err != nil {
			return nil, fmt.Errorf("list %s tasks for %s: %w", action, requestID, err)
		}
		rows := make([]TaskRow, 0, len(graphTasks))
		for _, t := range graphTasks {
			rows = append(rows, TaskRow{TaskID: t.ID, Address: t.Address, Status: t.Status})
		}
		view.Tasks[action] = rows
	}
	return view, nil
}
