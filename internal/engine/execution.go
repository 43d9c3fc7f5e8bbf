package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dsrd/internal/checkpoint"
	"dsrd/internal/graph"
	"dsrd/internal/platform/queue"
	"dsrd/internal/request"
	"dsrd/internal/runner"
	"dsrd/internal/task"
	id "dsrd/pkg/domain"
)

// start validates the dataset graph against the request's seeds and
// persists every task graph the policy calls for. Validation runs before
// any persistence: a traversal or erase-order error leaves zero task rows
// behind and parks the request in error.
func (e *Engine) start(ctx context.Context, req *request.PrivacyRequest) error {
	if err := req.Transition(request.StatusInProcessing); err != nil {
		return err
	}
	now := e.now()
	req.StartedProcessingAt = &now
	if err := e.requests.Update(ctx, req); err != nil {
		return fmt.Errorf("update request %s: %w", req.ID, err)
	}

	policy, err := e.policies.Get(ctx, req.PolicyID)
	if err != nil {
		return fmt.Errorf("load policy %s: %w", req.PolicyID, err)
	}
	seed, err := e.seedIdentity(ctx, req.ID)
	if err != nil {
		return err
	}

	actions := policy.ActionTypes()
	buildStart := time.Now()

	var trav *graph.Traversal
	if hasAction(actions, id.ActionAccess) || hasAction(actions, id.ActionErasure) {
		trav, err = graph.Traverse(e.datasets, seed)
		if err != nil {
			e.failRequest(ctx, req, "", "", fmt.Sprintf("dataset graph traversal: %v", err))
			return fmt.Errorf("traverse dataset graph for %s: %w", req.ID, err)
		}
	}
	var eraseUpstream map[graph.CollectionAddress][]graph.CollectionAddress
	if hasAction(actions, id.ActionErasure) {
		eraseUpstream, err = graph.EraseOrderEdges(e.datasets)
		if err != nil {
			e.failRequest(ctx, req, "", "", fmt.Sprintf("erase order validation: %v", err))
			return fmt.Errorf("validate erase order for %s: %w", req.ID, err)
		}
	}

	for _, action := range actions {
		switch action {
		case id.ActionAccess:
			if _, err := e.builder.PersistAccessTasks(ctx, req.ID, e.datasets, trav, seed); err != nil {
				return err
			}
		case id.ActionErasure:
			// Persisted eagerly so a pause or crash between graphs cannot
			// lose it, but not dispatched until the access graph finishes.
			if _, err := e.builder.PersistErasureTasks(ctx, req.ID, e.datasets, trav, eraseUpstream); err != nil {
				return err
			}
		case id.ActionConsent:
			if _, err := e.builder.PersistConsentTasks(ctx, req.ID, e.datasets, seed); err != nil {
				return err
			}
		}
	}
	e.metrics.GraphBuildSeconds.Observe(time.Since(buildStart).Seconds())
	e.logger.Info("task graphs built", "request_id", req.ID, "action_types", len(actions))

	return e.Advance(ctx, req.ID)
}

// HandleMessage is the queue handler: it runs the task and feeds the
// outcome back into orchestration. Returning an error lets the queue
// redeliver; every other path acknowledges the message.
func (e *Engine) HandleMessage(ctx context.Context, msg queue.Message) error {
	outcome, err := e.runner.RunTask(ctx, msg)
	if markErr := e.dispatcher.MarkDone(ctx, msg.TaskID); markErr != nil {
		e.logger.Warn("in-flight marker clear failed", "task_id", msg.TaskID, "error", markErr)
	}
	if err != nil {
		return err
	}

	switch outcome.Kind {
	case runner.OutcomeCompleted, runner.OutcomeFailed:
		return e.Advance(ctx, msg.RequestID)
	case runner.OutcomePausedInput:
		return e.pause(ctx, msg, checkpoint.KindPausedForInput, outcome)
	case runner.OutcomePausedAsync:
		return e.pause(ctx, msg, checkpoint.KindPausedForAsync, outcome)
	default:
		return nil
	}
}

// pause records the resume point and parks the request. The paused task row
// stays in processing; the checkpoint is what reopens it.
func (e *Engine) pause(ctx context.Context, msg queue.Message, kind checkpoint.Kind, outcome runner.Outcome) error {
	t, err := e.tasks.FindByID(ctx, msg.TaskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", msg.TaskID, err)
	}

	var payload json.RawMessage
	if outcome.ActionRequired != nil {
		payload, err = json.Marshal(outcome.ActionRequired)
		if err != nil {
			return fmt.Errorf("marshal action required: %w", err)
		}
	}
	cp := checkpoint.Checkpoint{
		RequestID:  msg.RequestID,
		ActionType: t.ActionType,
		Address:    t.Address,
		Kind:       kind,
		Payload:    payload,
		RecordedAt: e.now(),
	}
	if err := e.checkpoints.Record(ctx, cp); err != nil {
		return fmt.Errorf("record checkpoint for %s: %w", msg.RequestID, err)
	}
	e.metrics.CheckpointsSaved.WithLabelValues(string(kind)).Inc()

	req, err := e.requests.FindByID(ctx, msg.RequestID)
	if err != nil {
		return fmt.Errorf("load request %s: %w", msg.RequestID, err)
	}
	if req.Status == request.StatusInProcessing {
		if err := req.Transition(request.StatusPaused); err != nil {
			return err
		}
		now := e.now()
		req.PausedAt = &now
		if err := e.requests.Update(ctx, req); err != nil {
			return fmt.Errorf("update request %s: %w", msg.RequestID, err)
		}
	}
	e.logger.Info("privacy request paused",
		"request_id", msg.RequestID, "address", t.Address, "kind", kind)
	return nil
}

// Advance re-derives ready tasks for every active graph of the request and
// settles the request status: complete when all graphs succeeded, error
// when nothing can run, nothing is running, and something has failed.
func (e *Engine) Advance(ctx context.Context, requestID id.RequestID) error {
	req, err := e.requests.FindByID(ctx, requestID)
	if err != nil {
		return fmt.Errorf("load request %s: %w", requestID, err)
	}
	if req.Status == request.StatusPaused {
		// A poll or duplicate delivery may have finished the checkpointed
		// task while the request sat paused; if so the pause is over.
		reopened, err := e.reopenIfSettled(ctx, req)
		if err != nil {
			return err
		}
		if !reopened {
			return nil
		}
	}
	if req.Status != request.StatusInProcessing {
		return nil
	}
	policy, err := e.policies.Get(ctx, req.PolicyID)
	if err != nil {
		return fmt.Errorf("load policy %s: %w", req.PolicyID, err)
	}

	// Access is evaluated first so its terminator settles before the
	// erasure gate is checked in the same pass; otherwise a finished
	// access graph would not open the gate until some later event.
	actions := orderActions(policy.ActionTypes())
	hasAccess := hasAction(actions, id.ActionAccess)

	allSucceeded := true
	var anyError, running, progress bool
	var failedAction id.ActionType
	var failedAddress string

	for _, action := range actions {
		if action == id.ActionErasure && hasAccess {
			accessTasks, err := e.tasks.ListByRequestAndAction(ctx, requestID, id.ActionAccess)
			if err != nil {
				return fmt.Errorf("list access tasks for %s: %w", requestID, err)
			}
			if !task.GraphSucceeded(accessTasks) {
				// Gated: its pending tasks do not count as progress and
				// its incompleteness keeps the request open.
				allSucceeded = false
				continue
			}
			if err := e.openErasureGate(ctx, requestID, policy); err != nil {
				return err
			}
		}

		if _, err := e.scheduler.Dispatch(ctx, requestID, action); err != nil {
			return err
		}

		graphTasks, err := e.tasks.ListByRequestAndAction(ctx, requestID, action)
		if err != nil {
			return fmt.Errorf("list %s tasks for %s: %w", action, requestID, err)
		}
		byAddress := task.ByAddress(graphTasks)
		allSucceeded = allSucceeded && task.GraphSucceeded(graphTasks)
		for _, t := range graphTasks {
			switch t.Status {
			case task.StatusError:
				anyError = true
				if failedAddress == "" {
					failedAction, failedAddress = action, t.Address
				}
			case task.StatusInProcessing, task.StatusRetrying:
				running = true
			case task.StatusPending:
				if t.Ready(byAddress) {
					progress = true
				}
			}
		}
	}

	switch {
	case allSucceeded:
		return e.finalize(ctx, req)
	case anyError && !running && !progress:
		e.failRequest(ctx, req, failedAction, failedAddress, "no runnable tasks remain")
		return nil
	default:
		return nil
	}
}

// reopenIfSettled moves a paused request back to processing when the task
// its checkpoint points at has reached a satisfied status.
func (e *Engine) reopenIfSettled(ctx context.Context, req *request.PrivacyRequest) (bool, error) {
	cp, err := e.checkpoints.Get(ctx, req.ID)
	if err != nil {
		return false, fmt.Errorf("load checkpoint for %s: %w", req.ID, err)
	}
	if cp == nil {
		return false, nil
	}
	t, err := e.tasks.FindByAddress(ctx, req.ID, cp.ActionType, cp.Address)
	if err != nil {
		return false, fmt.Errorf("load checkpointed task %s: %w", cp.Address, err)
	}
	if !t.Status.Satisfied() {
		return false, nil
	}

	if err := req.Transition(request.StatusInProcessing); err != nil {
		return false, err
	}
	req.PausedAt = nil
	if err := e.requests.Update(ctx, req); err != nil {
		return false, fmt.Errorf("update request %s: %w", req.ID, err)
	}
	if err := e.checkpoints.Clear(ctx, req.ID); err != nil {
		e.logger.Warn("checkpoint clear failed", "request_id", req.ID, "error", err)
	}
	e.logger.Info("privacy request unpaused by settled task",
		"request_id", req.ID, "address", cp.Address)
	return true, nil
}

// openErasureGate primes the erasure graph with the access output the first
// time the gate opens. Priming again is harmless but skipped once any
// erasure task has moved.
func (e *Engine) openErasureGate(ctx context.Context, requestID id.RequestID, policy request.Policy) error {
	erasureTasks, err := e.tasks.ListByRequestAndAction(ctx, requestID, id.ActionErasure)
	if err != nil {
		return fmt.Errorf("list erasure tasks for %s: %w", requestID, err)
	}
	for _, t := range erasureTasks {
		if t.IsSentinel() || t.Status == task.StatusSkipped {
			continue
		}
		if t.Status != task.StatusPending {
			return nil
		}
		if t.DataForErasures != nil {
			return nil
		}
	}
	return e.builder.UpdateErasureTasksWithAccessData(ctx, requestID, policy.TargetCategoriesFor(id.ActionErasure))
}

// finalize closes out a fully succeeded request.
func (e *Engine) finalize(ctx context.Context, req *request.PrivacyRequest) error {
	if err := req.Transition(request.StatusComplete); err != nil {
		return err
	}
	now := e.now()
	req.FinishedProcessingAt = &now
	if err := e.requests.Update(ctx, req); err != nil {
		return fmt.Errorf("update request %s: %w", req.ID, err)
	}
	if err := e.checkpoints.Clear(ctx, req.ID); err != nil {
		e.logger.Warn("checkpoint clear failed", "request_id", req.ID, "error", err)
	}
	e.metrics.RequestsFinished.WithLabelValues(string(request.StatusComplete)).Inc()
	e.logger.Info("privacy request complete", "request_id", req.ID)
	return nil
}

// failRequest parks the request in error with a failed checkpoint marking
// the furthest point reached. Error is retriable, not terminal.
func (e *Engine) failRequest(ctx context.Context, req *request.PrivacyRequest, action id.ActionType, address, detail string) {
	if req.Status != request.StatusError {
		if err := req.Transition(request.StatusError); err != nil {
			e.logger.Error("cannot move request to error", "request_id", req.ID, "status", req.Status, "error", err)
			return
		}
		if err := e.requests.Update(ctx, req); err != nil {
			e.logger.Error("update request failed", "request_id", req.ID, "error", err)
			return
		}
	}

	cp := checkpoint.Checkpoint{
		RequestID:  req.ID,
		ActionType: action,
		Address:    address,
		Kind:       checkpoint.KindFailed,
		RecordedAt: e.now(),
	}
	if err := e.checkpoints.Record(ctx, cp); err != nil {
		e.logger.Warn("checkpoint record failed", "request_id", req.ID, "error", err)
	}
	e.metrics.CheckpointsSaved.WithLabelValues(string(checkpoint.KindFailed)).Inc()
	e.metrics.RequestsFinished.WithLabelValues(string(request.StatusError)).Inc()
	e.logger.Error("privacy request errored",
		"request_id", req.ID, "action_type", action, "address", address, "detail", detail)
}

// orderActions puts access before erasure and consent so gate checks see
// the freshest access state; relative order of the rest is preserved.
func orderActions(actions []id.ActionType) []id.ActionType {
	out := make([]id.ActionType, 0, len(actions))
	if hasAction(actions, id.ActionAccess) {
		out = append(out, id.ActionAccess)
	}
	for _, a := range actions {
		if a != id.ActionAccess {
			out = append(out, a)
		}
	}
	return out
}

func hasAction(actions []id.ActionType, action id.ActionType) bool {
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}
