// Package runner executes a single dispatched request task: it resolves the
// connector, gathers inputs from upstream task output, retries transient
// failures with doubling backoff, and records every attempt in the
// execution log. Because the queue may deliver the same task twice, every
// path through RunTask is safe to repeat.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dsrd/internal/connector"
	"dsrd/internal/execlog"
	"dsrd/internal/graph"
	"dsrd/internal/platform/config"
	"dsrd/internal/platform/metrics"
	"dsrd/internal/platform/queue"
	"dsrd/internal/request"
	"dsrd/internal/task"
	id "dsrd/pkg/domain"
)

// OutcomeKind tags what a task run produced from the orchestrator's point
// of view.
type OutcomeKind string

const (
	// OutcomeNoop means the task needed no work: already finished, or its
	// request is no longer running.
	OutcomeNoop        OutcomeKind = "noop"
	OutcomeCompleted   OutcomeKind = "completed"
	OutcomePausedInput OutcomeKind = "paused_for_input"
	OutcomePausedAsync OutcomeKind = "paused_for_async"
	OutcomeFailed      OutcomeKind = "failed"
)

// Outcome is the result of one RunTask call. ActionRequired is set for the
// paused kinds; Detail carries the failure description for OutcomeFailed.
type Outcome struct {
	Kind           OutcomeKind
	ActionRequired *connector.ActionRequired
	Detail         string
}

type Runner struct {
	tasks      task.Store
	requests   request.Store
	policies   request.PolicyStore
	log        execlog.Store
	connectors *connector.Registry
	metrics    *metrics.Metrics
	logger     *slog.Logger

	retryCount int
	backoff    time.Duration
	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(tasks task.Store, requests request.Store, policies request.PolicyStore, log execlog.Store, connectors *connector.Registry, cfg config.EngineConfig, m *metrics.Metrics, logger *slog.Logger) *Runner {
	return &Runner{
		tasks:      tasks,
		requests:   requests,
		policies:   policies,
		log:        log,
		connectors: connectors,
		metrics:    m,
		logger:     logger,
		retryCount: cfg.TaskRetryCount,
		backoff:    cfg.TaskRetryBackoff,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RunTask executes one dispatched task to its next resting state. It is the
// queue handler's core: re-delivery of an already finished task is a no-op,
// and a task whose request stopped running is left untouched.
func (r *Runner) RunTask(ctx context.Context, msg queue.Message) (Outcome, error) {
	t, err := r.tasks.FindByID(ctx, msg.TaskID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load task %s: %w", msg.TaskID, err)
	}
	if t.Status.Satisfied() {
		r.logger.Info("task already finished, skipping",
			"task_id", t.ID, "address", t.Address, "status", t.Status)
		return Outcome{Kind: OutcomeNoop}, nil
	}

	req, err := r.requests.FindByID(ctx, t.RequestID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load request %s: %w", t.RequestID, err)
	}
	if req.Status == request.StatusCanceled || req.Status == request.StatusDenied {
		r.logger.Info("request no longer running, skipping task",
			"request_id", req.ID, "task_id", t.ID, "status", req.Status)
		return Outcome{Kind: OutcomeNoop}, nil
	}

	policy, err := r.policies.Get(ctx, req.PolicyID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load policy %s: %w", req.PolicyID, err)
	}

	t.Status = task.StatusInProcessing
	if err := r.tasks.Update(ctx, t); err != nil {
		return Outcome{}, fmt.Errorf("mark task %s in processing: %w", t.ID, err)
	}
	r.appendLog(ctx, t, execlog.StatusInProcessing, "")

	start := time.Now()
	result, err := r.execute(ctx, t, policy, msg.Resume)
	if err != nil {
		return Outcome{}, err
	}

	outcome, err := r.finish(ctx, t, result)
	if err != nil {
		return Outcome{}, err
	}
	r.metrics.TaskRunDuration.
		WithLabelValues(string(t.ActionType), string(outcome.Kind)).
		Observe(time.Since(start).Seconds())
	return outcome, nil
}

// execute produces the connector result for one task, retrying transient
// failures up to the configured bound with doubling backoff.
func (r *Runner) execute(ctx context.Context, t *task.RequestTask, policy request.Policy, resume bool) (connector.Result, error) {
	// A resume dispatch means the answer is already persisted on the task:
	// manually supplied rows or a confirmed async callback. No connector
	// call is needed.
	if resume {
		if res, ok := resumeResult(t); ok {
			return res, nil
		}
	}

	conn, err := r.connectors.Get(t.Traversal.ConnectionKey)
	if err != nil {
		return connector.PermanentFailure(err.Error()), nil
	}

	params, err := r.buildParams(ctx, t, policy)
	if err != nil {
		return connector.Result{}, err
	}

	for attempt := 0; ; attempt++ {
		res := invoke(ctx, conn, t.ActionType, params)
		if res.Kind != connector.ResultFailure ||
			res.Failure.Kind != connector.FailureTransient ||
			attempt >= r.retryCount {
			return res, nil
		}

		r.metrics.TaskRetries.Inc()
		t.Status = task.StatusRetrying
		if err := r.tasks.Update(ctx, t); err != nil {
			return connector.Result{}, fmt.Errorf("mark task %s retrying: %w", t.ID, err)
		}
		r.appendLog(ctx, t, execlog.StatusRetrying, res.Failure.Detail)
		r.logger.Warn("transient connector failure, retrying",
			"task_id", t.ID, "address", t.Address, "attempt", attempt+1, "detail", res.Failure.Detail)

		if err := r.sleep(ctx, r.backoff<<attempt); err != nil {
			return connector.Result{}, err
		}
		t.Status = task.StatusInProcessing
		if err := r.tasks.Update(ctx, t); err != nil {
			return connector.Result{}, fmt.Errorf("mark task %s in processing: %w", t.ID, err)
		}
	}
}

// resumeResult turns state persisted by a resume entry point into a
// synthetic connector success. The bool is false when the task carries no
// resumable state and the connector must be consulted after all.
func resumeResult(t *task.RequestTask) (connector.Result, bool) {
	switch t.ActionType {
	case id.ActionAccess:
		return connector.Retrieved(t.AccessData), true
	case id.ActionConsent:
		return connector.ConsentOutcome(t.ConsentSent), true
	case id.ActionErasure:
		if t.CallbackSucceeded {
			return connector.Masked(t.RowsMasked), true
		}
	}
	return connector.Result{}, false
}

type callParams struct {
	retrieve connector.RetrieveParams
	mask     connector.MaskParams
	consent  connector.ConsentParams
}

func invoke(ctx context.Context, conn connector.Connector, action id.ActionType, p callParams) connector.Result {
	switch action {
	case id.ActionAccess:
		return conn.Retrieve(ctx, p.retrieve)
	case id.ActionErasure:
		return conn.Mask(ctx, p.mask)
	case id.ActionConsent:
		return conn.SendConsent(ctx, p.consent)
	default:
		return connector.PermanentFailure(fmt.Sprintf("unknown action type %q", action))
	}
}

func (r *Runner) buildParams(ctx context.Context, t *task.RequestTask, policy request.Policy) (callParams, error) {
	switch t.ActionType {
	case id.ActionAccess:
		inputs, err := r.gatherInputs(ctx, t)
		if err != nil {
			return callParams{}, err
		}
		return callParams{retrieve: connector.RetrieveParams{
			Collection: t.Collection,
			Details:    t.Traversal,
			Inputs:     inputs,
		}}, nil
	case id.ActionErasure:
		rules := policy.RulesFor(id.ActionErasure)
		var strategy string
		if len(rules) > 0 {
			strategy = rules[0].MaskingStrategy
		}
		return callParams{mask: connector.MaskParams{
			Collection:       t.Collection,
			Details:          t.Traversal,
			Data:             t.DataForErasures,
			TargetCategories: policy.TargetCategoriesFor(id.ActionErasure),
			MaskingStrategy:  strategy,
		}}, nil
	case id.ActionConsent:
		identities, err := r.seedIdentities(ctx, t)
		if err != nil {
			return callParams{}, err
		}
		return callParams{consent: connector.ConsentParams{
			Details:    t.Traversal,
			Identities: identities,
		}}, nil
	default:
		return callParams{}, fmt.Errorf("task %s has unknown action type %q", t.ID, t.ActionType)
	}
}

// gatherInputs resolves the values a collection's query consumes: for every
// incoming edge, the producing field's values across the upstream task's
// output rows (the seed identity key for edges from the graph root). List
// values are flattened so a to-many field feeds each element separately.
func (r *Runner) gatherInputs(ctx context.Context, t *task.RequestTask) (map[string][]any, error) {
	all, err := r.tasks.ListByRequestAndAction(ctx, t.RequestID, t.ActionType)
	if err != nil {
		return nil, fmt.Errorf("list tasks for request %s: %w", t.RequestID, err)
	}
	byAddress := task.ByAddress(all)

	inputs := make(map[string][]any)
	for _, e := range t.Traversal.Incoming {
		upstream, ok := byAddress[e.From.String()]
		if !ok {
			continue
		}
		sourceField := e.FromField
		if e.IdentityKey != "" {
			sourceField = e.IdentityKey
		}
		for _, row := range upstream.AccessData {
			v, ok := row[sourceField]
			if !ok || v == nil {
				continue
			}
			if list, ok := v.([]any); ok {
				inputs[e.ToField] = append(inputs[e.ToField], list...)
			} else {
				inputs[e.ToField] = append(inputs[e.ToField], v)
			}
		}
	}
	return inputs, nil
}

// seedIdentities reads the subject identity back off the graph root's
// output row, where graph build parked it.
func (r *Runner) seedIdentities(ctx context.Context, t *task.RequestTask) (map[string]any, error) {
	all, err := r.tasks.ListByRequestAndAction(ctx, t.RequestID, t.ActionType)
	if err != nil {
		return nil, fmt.Errorf("list tasks for request %s: %w", t.RequestID, err)
	}
	for _, candidate := range all {
		if candidate.IsRoot() && len(candidate.AccessData) > 0 {
			return candidate.AccessData[0], nil
		}
	}
	return map[string]any{}, nil
}

// finish persists the task's next resting state from the connector result.
func (r *Runner) finish(ctx context.Context, t *task.RequestTask, res connector.Result) (Outcome, error) {
	switch res.Kind {
	case connector.ResultSuccess:
		switch t.ActionType {
		case id.ActionAccess:
			t.AccessData = res.Rows
		case id.ActionErasure:
			t.RowsMasked = res.RowsMasked
		case id.ActionConsent:
			t.ConsentSent = res.ConsentSent
		}
		t.Status = task.StatusComplete
		if err := r.tasks.Update(ctx, t); err != nil {
			return Outcome{}, fmt.Errorf("complete task %s: %w", t.ID, err)
		}
		r.appendLog(ctx, t, execlog.StatusComplete, "")
		r.logger.Info("task complete", "task_id", t.ID, "address", t.Address, "action_type", t.ActionType)
		return Outcome{Kind: OutcomeCompleted}, nil

	case connector.ResultNeedsInput:
		// The task stays in processing; the checkpoint layer owns the
		// paused request state.
		r.appendLog(ctx, t, execlog.StatusPaused, pauseMessage("awaiting manual input", res.ActionRequired))
		return Outcome{Kind: OutcomePausedInput, ActionRequired: res.ActionRequired}, nil

	case connector.ResultAwaitingAsync:
		r.appendLog(ctx, t, execlog.StatusPaused, pauseMessage("awaiting asynchronous result", res.ActionRequired))
		return Outcome{Kind: OutcomePausedAsync, ActionRequired: res.ActionRequired}, nil

	case connector.ResultFailure:
		t.Status = task.StatusError
		if err := r.tasks.Update(ctx, t); err != nil {
			return Outcome{}, fmt.Errorf("mark task %s errored: %w", t.ID, err)
		}
		r.appendLog(ctx, t, execlog.StatusError, res.Failure.Detail)
		r.markDescendantsAffected(ctx, t)
		r.logger.Error("task failed",
			"task_id", t.ID, "address", t.Address, "kind", res.Failure.Kind, "detail", res.Failure.Detail)
		return Outcome{Kind: OutcomeFailed, Detail: res.Failure.Detail}, nil

	default:
		return Outcome{}, fmt.Errorf("task %s: connector returned unknown result kind %q", t.ID, res.Kind)
	}
}

// markDescendantsAffected writes one execution-log line per transitive
// descendant of a failed task. The descendants' own task rows stay pending:
// a later retry of the failed task lets them run unchanged.
func (r *Runner) markDescendantsAffected(ctx context.Context, t *task.RequestTask) {
	for _, addr := range t.AllDescendantTasks {
		if addr == t.Address || addr == graph.Terminator.String() {
			continue
		}
		entry := execlog.Entry{
			RequestID:  t.RequestID,
			ActionType: t.ActionType,
			Address:    addr,
			Status:     execlog.StatusAwaiting,
			Message:    fmt.Sprintf("blocked by failure of upstream %s", t.Address),
			CreatedAt:  time.Now().UTC(),
		}
		if err := r.log.Append(ctx, entry); err != nil {
			r.logger.Warn("execution log append failed", "address", addr, "error", err)
		}
	}
}

func (r *Runner) appendLog(ctx context.Context, t *task.RequestTask, status execlog.Status, msg string) {
	entry := execlog.Entry{
		RequestID:  t.RequestID,
		ActionType: t.ActionType,
		Address:    t.Address,
		Status:     status,
		Message:    msg,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.log.Append(ctx, entry); err != nil {
		r.logger.Warn("execution log append failed",
			"task_id", t.ID, "address", t.Address, "status", status, "error", err)
	}
}

func pauseMessage(prefix string, spec *connector.ActionRequired) string {
	if spec == nil || spec.Description == "" {
		return prefix
	}
	return prefix + ": " + spec.Description
}
