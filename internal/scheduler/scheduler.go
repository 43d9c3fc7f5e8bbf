// Package scheduler computes which request tasks may run and hands them to
// the dispatch queue. Readiness is derived entirely from persisted task
// state, so any process can schedule: after graph build, after each task
// completion, and from the periodic sweep.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"dsrd/internal/execlog"
	"dsrd/internal/platform/metrics"
	"dsrd/internal/platform/queue"
	"dsrd/internal/task"
	id "dsrd/pkg/domain"
)

type Scheduler struct {
	tasks      task.Store
	log        execlog.Store
	dispatcher queue.Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func New(tasks task.Store, log execlog.Store, dispatcher queue.Dispatcher, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		tasks:      tasks,
		log:        log,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger,
	}
}

// ReadyTasks returns the dispatchable subset of one request graph: pending
// tasks whose every direct upstream is satisfied and that the queue does
// not believe to be in flight. Errored tasks are excluded until an operator
// retry resets them. The in-flight check
// is advisory only; when it cannot be answered the task is considered
// dispatchable, because a duplicate run is safe and a wedged graph is not.
func (s *Scheduler) ReadyTasks(ctx context.Context, requestID id.RequestID, action id.ActionType) ([]*task.RequestTask, error) {
	all, err := s.tasks.ListByRequestAndAction(ctx, requestID, action)
	if err != nil {
		return nil, fmt.Errorf("list tasks for request %s: %w", requestID, err)
	}
	byAddress := task.ByAddress(all)

	var ready []*task.RequestTask
	for _, t := range all {
		if t.IsSentinel() || !t.Ready(byAddress) {
			continue
		}
		inFlight, err := s.dispatcher.InFlight(ctx, t.ID)
		if err != nil {
			s.logger.Warn("in-flight check failed, dispatching anyway",
				"task_id", t.ID, "address", t.Address, "error", err)
			inFlight = false
		}
		if inFlight {
			continue
		}
		ready = append(ready, t)
	}
	return ready, nil
}

// Dispatch settles any reachable terminator, then publishes one message per
// ready task. It returns the number of tasks dispatched; zero with a fully
// terminal graph means the graph is done, zero otherwise means the graph is
// waiting on in-flight or paused work.
func (s *Scheduler) Dispatch(ctx context.Context, requestID id.RequestID, action id.ActionType) (int, error) {
	if err := s.settleTerminator(ctx, requestID, action); err != nil {
		return 0, err
	}

	ready, err := s.ReadyTasks(ctx, requestID, action)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, t := range ready {
		msg := queue.Message{RequestID: requestID, TaskID: t.ID}
		if err := s.dispatcher.Publish(ctx, msg); err != nil {
			return dispatched, fmt.Errorf("publish task %s (%s): %w", t.ID, t.Address, err)
		}
		s.metrics.TasksDispatched.WithLabelValues(string(action)).Inc()
		s.logger.Info("task dispatched",
			"request_id", requestID, "task_id", t.ID, "action_type", action, "address", t.Address)
		dispatched++
	}
	return dispatched, nil
}

// settleTerminator completes the synthetic graph exit once all of its
// upstreams are satisfied. The terminator carries no backend work, so it
// never goes through the queue.
func (s *Scheduler) settleTerminator(ctx context.Context, requestID id.RequestID, action id.ActionType) error {
	all, err := s.tasks.ListByRequestAndAction(ctx, requestID, action)
	if err != nil {
		return fmt.Errorf("list tasks for request %s: %w", requestID, err)
	}
	byAddress := task.ByAddress(all)

	for _, t := range all {
		if !t.IsTerminator() || !t.Ready(byAddress) {
			continue
		}
		t.Status = task.StatusComplete
		if err := s.tasks.Update(ctx, t); err != nil {
			return fmt.Errorf("complete terminator for request %s: %w", requestID, err)
		}
		if err := s.log.Append(ctx, execlog.Entry{
			RequestID:  requestID,
			ActionType: action,
			Address:    t.Address,
			Status:     execlog.StatusComplete,
		}); err != nil {
			s.logger.Warn("execution log append failed", "task_id", t.ID, "error", err)
		}
	}
	return nil
}
