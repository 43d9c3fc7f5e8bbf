package scheduler

import (
	"context"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"dsrd/internal/execlog"
	"dsrd/internal/graph"
	"dsrd/internal/platform/metrics"
	"dsrd/internal/platform/queue"
	"dsrd/internal/task"
	id "dsrd/pkg/domain"
)

type SchedulerSuite struct {
	suite.Suite
	ctx       context.Context
	store     *task.InMemoryStore
	q         *queue.Memory
	sched     *Scheduler
	requestID id.RequestID
}

func TestSchedulerSuite(t *testing.T) {
	suite.Run(t, new(SchedulerSuite))
}

func (s *SchedulerSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = task.NewInMemoryStore()
	s.q = queue.NewMemory(16)
	s.requestID = id.NewRequestID()
	s.sched = New(s.store, execlog.NewInMemoryStore(), s.q,
		metrics.NewWith(prometheus.NewRegistry()), slog.New(slog.DiscardHandler))
}

// seedGraph persists ROOT -> a -> b -> TERMINATOR.
func (s *SchedulerSuite) seedGraph() map[string]*task.RequestTask {
	root := graph.ROOT.String()
	term := graph.Terminator.String()
	tasks := []*task.RequestTask{
		{ID: id.NewTaskID(), RequestID: s.requestID, ActionType: id.ActionAccess,
			Address: root, Status: task.StatusComplete,
			DownstreamTasks: []string{"shop:a"}},
		{ID: id.NewTaskID(), RequestID: s.requestID, ActionType: id.ActionAccess,
			Address: "shop:a", Status: task.StatusPending,
			UpstreamTasks: []string{root}, DownstreamTasks: []string{"shop:b"}},
		{ID: id.NewTaskID(), RequestID: s.requestID, ActionType: id.ActionAccess,
			Address: "shop:b", Status: task.StatusPending,
			UpstreamTasks: []string{"shop:a"}, DownstreamTasks: []string{term}},
		{ID: id.NewTaskID(), RequestID: s.requestID, ActionType: id.ActionAccess,
			Address: term, Status: task.StatusPending,
			UpstreamTasks: []string{"shop:b"}},
	}
	s.Require().NoError(s.store.CreateBatch(s.ctx, tasks))
	return task.ByAddress(tasks)
}

func (s *SchedulerSuite) TestDispatchPublishesOnlyReadyTasks() {
	byAddr := s.seedGraph()

	n, err := s.sched.Dispatch(s.ctx, s.requestID, id.ActionAccess)
	s.Require().NoError(err)
	s.Equal(1, n, "only the task below the completed root is ready")
	s.Equal(1, s.q.Pending())

	inFlight, err := s.q.InFlight(s.ctx, byAddr["shop:a"].ID)
	s.Require().NoError(err)
	s.True(inFlight)
}

func (s *SchedulerSuite) TestInFlightTasksNotRedispatched() {
	s.seedGraph()

	_, err := s.sched.Dispatch(s.ctx, s.requestID, id.ActionAccess)
	s.Require().NoError(err)

	n, err := s.sched.Dispatch(s.ctx, s.requestID, id.ActionAccess)
	s.Require().NoError(err)
	s.Equal(0, n, "a task believed in flight is skipped")
	s.Equal(1, s.q.Pending())
}

func (s *SchedulerSuite) TestErroredTasksNotRedispatched() {
	byAddr := s.seedGraph()
	a := byAddr["shop:a"]
	a.Status = task.StatusError
	s.Require().NoError(s.store.Update(s.ctx, a))

	ready, err := s.sched.ReadyTasks(s.ctx, s.requestID, id.ActionAccess)
	s.Require().NoError(err)
	s.Empty(ready, "an errored task waits for an operator retry")

	// The retry entry point resets errored tasks; only then do they
	// become schedulable again.
	a.Status = task.StatusPending
	s.Require().NoError(s.store.Update(s.ctx, a))

	ready, err = s.sched.ReadyTasks(s.ctx, s.requestID, id.ActionAccess)
	s.Require().NoError(err)
	s.Require().Len(ready, 1)
	s.Equal("shop:a", ready[0].Address)
}

func (s *SchedulerSuite) TestTerminatorSettlesWithoutDispatch() {
	byAddr := s.seedGraph()
	for _, addr := range []string{"shop:a", "shop:b"} {
		t := byAddr[addr]
		t.Status = task.StatusComplete
		s.Require().NoError(s.store.Update(s.ctx, t))
	}

	n, err := s.sched.Dispatch(s.ctx, s.requestID, id.ActionAccess)
	s.Require().NoError(err)
	s.Equal(0, n)
	s.Equal(0, s.q.Pending(), "the terminator never travels through the queue")

	term, err := s.store.FindByAddress(s.ctx, s.requestID, id.ActionAccess, graph.Terminator.String())
	s.Require().NoError(err)
	s.Equal(task.StatusComplete, term.Status)
}

func (s *SchedulerSuite) TestSkippedUpstreamSatisfiesReadiness() {
	byAddr := s.seedGraph()
	a := byAddr["shop:a"]
	a.Status = task.StatusSkipped
	s.Require().NoError(s.store.Update(s.ctx, a))

	ready, err := s.sched.ReadyTasks(s.ctx, s.requestID, id.ActionAccess)
	s.Require().NoError(err)
	s.Require().Len(ready, 1)
	s.Equal("shop:b", ready[0].Address)
}
