package engine

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"dsrd/internal/checkpoint"
	"dsrd/internal/connector"
	"dsrd/internal/execlog"
	"dsrd/internal/graph"
	"dsrd/internal/identity"
	"dsrd/internal/platform/config"
	"dsrd/internal/platform/metrics"
	"dsrd/internal/platform/queue"
	"dsrd/internal/request"
	"dsrd/internal/runner"
	"dsrd/internal/scheduler"
	"dsrd/internal/task"
	"dsrd/internal/task/builder"
	id "dsrd/pkg/domain"
)

// fakeConnector scripts results per call site. Unscripted call sites
// succeed with canned payloads so tests only script the interesting
// collection; a scripted call site whose results run out fails the test,
// so an unexpected extra run cannot pass as progress.
type fakeConnector struct {
	t        *testing.T
	mu       sync.Mutex
	scripted map[string][]connector.Result
	calls    map[string]int
	lastMask map[string]connector.MaskParams
}

func newFakeConnector(t *testing.T) *fakeConnector {
	return &fakeConnector{
		t:        t,
		scripted: make(map[string][]connector.Result),
		calls:    make(map[string]int),
		lastMask: make(map[string]connector.MaskParams),
	}
}

func (f *fakeConnector) script(key string, results ...connector.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripted[key] = append(f.scripted[key], results...)
}

func (f *fakeConnector) next(key string, fallback connector.Result) connector.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[key]++
	queue, wasScripted := f.scripted[key]
	if len(queue) == 0 {
		if wasScripted {
			f.t.Errorf("connector call %d to %s exceeds its script", f.calls[key], key)
			return connector.PermanentFailure("no scripted result left")
		}
		return fallback
	}
	res := queue[0]
	f.scripted[key] = queue[1:]
	return res
}

func (f *fakeConnector) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeConnector) Retrieve(_ context.Context, p connector.RetrieveParams) connector.Result {
	return f.next("retrieve:"+p.Details.Address.String(),
		connector.Retrieved([]map[string]any{{"id": "row-1"}}))
}

func (f *fakeConnector) Mask(_ context.Context, p connector.MaskParams) connector.Result {
	f.mu.Lock()
	f.lastMask[p.Details.Address.String()] = p
	f.mu.Unlock()
	return f.next("mask:"+p.Details.Address.String(), connector.Masked(len(p.Data)))
}

func (f *fakeConnector) SendConsent(_ context.Context, p connector.ConsentParams) connector.Result {
	return f.next("consent:"+p.Details.ConnectionKey, connector.ConsentOutcome(true))
}

type EngineSuite struct {
	suite.Suite
	ctx context.Context

	requests    *request.InMemoryStore
	policies    *request.InMemoryPolicyStore
	tasks       *task.InMemoryStore
	log         *execlog.InMemoryStore
	checkpoints *checkpoint.InMemoryStore
	q           *queue.Memory
	conn        *fakeConnector
	engine      *Engine

	policy request.Policy
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.ctx = context.Background()
	logger := slog.New(slog.DiscardHandler)

	s.requests = request.NewInMemoryStore()
	s.policies = request.NewInMemoryPolicyStore()
	s.tasks = task.NewInMemoryStore()
	s.log = execlog.NewInMemoryStore()
	s.checkpoints = checkpoint.NewInMemoryStore(checkpoint.TTLs{Failed: time.Hour, Paused: time.Hour})
	s.q = queue.NewMemory(64)
	s.conn = newFakeConnector(s.T())

	registry := connector.NewRegistry()
	registry.Register("shop_db", s.conn)

	m := metrics.NewWith(prometheus.NewRegistry())
	sched := scheduler.New(s.tasks, s.log, s.q, m, logger)
	run := runner.New(s.tasks, s.requests, s.policies, s.log, registry,
		config.EngineConfig{TaskRetryCount: 2, TaskRetryBackoff: time.Millisecond}, m, logger)

	hasher, err := identity.NewHasher([]byte("test-secret"))
	s.Require().NoError(err)
	encryptor, err := identity.NewAESGCM([]byte("test-secret"))
	s.Require().NoError(err)

	s.policy = request.Policy{
		ID:          id.NewPolicyID(),
		Key:         "access-and-erasure",
		AutoApprove: true,
		Rules: []request.Rule{
			{Key: "download", ActionType: id.ActionAccess},
			{Key: "delete", ActionType: id.ActionErasure, TargetCategories: []string{"user.financial"}, MaskingStrategy: "null_rewrite"},
		},
	}
	s.policies.Register(s.policy)

	s.engine = New(Deps{
		Requests:    s.requests,
		Policies:    s.policies,
		Tasks:       s.tasks,
		Log:         s.log,
		Builder:     builder.New(s.tasks, logger),
		Scheduler:   sched,
		Runner:      run,
		Checkpoints: s.checkpoints,
		Dispatcher:  s.q,
		Hasher:      hasher,
		Encryptor:   encryptor,
		Datasets:    shopGraph(),
		Metrics:     m,
		Logger:      logger,
	})
}

// shopGraph is a linear three-collection store: customer is reachable from
// the email seed, orders joins on customer id, payment_card on order id.
func shopGraph() graph.DatasetGraph {
	return graph.DatasetGraph{Datasets: []graph.Dataset{{
		Name:          "shop",
		ConnectionKey: "shop_db",
		Collections: []graph.Collection{
			{
				Name: "customer",
				Fields: []graph.Field{
					{Name: "id"},
					{Name: "email", Identity: "email", DataCategories: []string{"user.contact"}},
				},
			},
			{
				Name: "orders",
				Fields: []graph.Field{
					{Name: "id"},
					{Name: "customer_id", References: []graph.Reference{{
						To:        graph.CollectionAddress{Dataset: "shop", Collection: "customer"},
						FieldName: "id",
						Direction: graph.DirectionFrom,
					}}},
				},
			},
			{
				Name: "payment_card",
				Fields: []graph.Field{
					{Name: "number", DataCategories: []string{"user.financial"}},
					{Name: "order_id", References: []graph.Reference{{
						To:        graph.CollectionAddress{Dataset: "shop", Collection: "orders"},
						FieldName: "id",
						Direction: graph.DirectionFrom,
					}}},
				},
			},
		},
	}}}
}

func (s *EngineSuite) submit() *request.PrivacyRequest {
	req, err := s.engine.Submit(s.ctx, SubmitParams{
		ExternalID:       "ext-1",
		PolicyID:         s.policy.ID,
		Identities:       map[string]string{"email": "a@example.com"},
		IdentityVerified: true,
	})
	s.Require().NoError(err)
	return req
}

func (s *EngineSuite) drain() {
	s.Require().NoError(s.q.Drain(s.ctx, s.engine.HandleMessage))
}

func (s *EngineSuite) reload(requestID id.RequestID) *request.PrivacyRequest {
	req, err := s.requests.FindByID(s.ctx, requestID)
	s.Require().NoError(err)
	return req
}

func (s *EngineSuite) TestAccessAndErasureRunToCompletion() {
	s.conn.script("retrieve:shop:customer",
		connector.Retrieved([]map[string]any{{"id": "c1", "email": "a@example.com"}}))
	s.conn.script("retrieve:shop:orders",
		connector.Retrieved([]map[string]any{{"id": "o1", "customer_id": "c1"}}))
	s.conn.script("retrieve:shop:payment_card",
		connector.Retrieved([]map[string]any{{"number": "4111-1111", "order_id": "o1"}}))

	req := s.submit()
	s.Equal(request.StatusInProcessing, req.Status, "auto-approve starts processing at submit")
	s.drain()

	s.Equal(request.StatusComplete, s.reload(req.ID).Status)

	accessTasks, err := s.tasks.ListByRequestAndAction(s.ctx, req.ID, id.ActionAccess)
	s.Require().NoError(err)
	s.Len(accessTasks, 5)
	s.True(task.GraphSucceeded(accessTasks))

	erasureTasks, err := s.tasks.ListByRequestAndAction(s.ctx, req.ID, id.ActionErasure)
	s.Require().NoError(err)
	s.True(task.GraphSucceeded(erasureTasks), "erasure runs after the access graph finishes")

	s.Run("masking sees targeted values and placeholders", func() {
		mask := s.conn.lastMask["shop:payment_card"]
		s.Require().Len(mask.Data, 1)
		s.Equal("4111-1111", mask.Data[0]["number"])
		s.Equal(task.DoNotMask, mask.Data[0]["order_id"])
		s.Equal([]string{"user.financial"}, mask.TargetCategories)
		s.Equal("null_rewrite", mask.MaskingStrategy)
	})

	s.Run("retrieved rows feed downstream queries", func() {
		s.Equal(1, s.conn.callCount("retrieve:shop:orders"))
		ordersTask, err := s.tasks.FindByAddress(s.ctx, req.ID, id.ActionAccess, "shop:orders")
		s.Require().NoError(err)
		s.Equal([]map[string]any{{"id": "o1", "customer_id": "c1"}}, ordersTask.AccessData)
	})
}

func (s *EngineSuite) TestPermanentFailureStopsDescendantsAndErrorsRequest() {
	s.conn.script("retrieve:shop:orders",
		connector.PermanentFailure("table gone"))

	req := s.submit()
	s.drain()

	s.Equal(request.StatusError, s.reload(req.ID).Status)

	orders, err := s.tasks.FindByAddress(s.ctx, req.ID, id.ActionAccess, "shop:orders")
	s.Require().NoError(err)
	s.Equal(task.StatusError, orders.Status)

	card, err := s.tasks.FindByAddress(s.ctx, req.ID, id.ActionAccess, "shop:payment_card")
	s.Require().NoError(err)
	s.Equal(task.StatusPending, card.Status, "descendants of a failure stay pending")

	cp, err := s.checkpoints.Get(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Require().NotNil(cp)
	s.Equal(checkpoint.KindFailed, cp.Kind)
	s.Equal("shop:orders", cp.Address)

	s.Run("descendants marked affected in the execution log", func() {
		entries, err := s.log.ListByRequest(s.ctx, req.ID)
		s.Require().NoError(err)
		var affected bool
		for _, entry := range entries {
			if entry.Address == "shop:payment_card" && entry.Status == execlog.StatusAwaiting {
				affected = true
			}
		}
		s.True(affected)
	})
}

func (s *EngineSuite) TestRetryResumesFromFailurePoint() {
	s.conn.script("retrieve:shop:orders",
		connector.PermanentFailure("table gone"),
		connector.Retrieved([]map[string]any{{"id": "o1", "customer_id": "c1"}}))

	req := s.submit()
	s.drain()
	s.Require().Equal(request.StatusError, s.reload(req.ID).Status)

	// The backend recovers; only the remaining subgraph re-runs.
	s.Require().NoError(s.engine.Retry(s.ctx, req.ID))
	s.drain()

	s.Equal(request.StatusComplete, s.reload(req.ID).Status)
	s.Equal(1, s.conn.callCount("retrieve:shop:customer"), "completed tasks do not re-run on retry")
	s.Equal(2, s.conn.callCount("retrieve:shop:orders"))

	cp, err := s.checkpoints.Get(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Nil(cp, "retry clears the failed checkpoint")
}

func (s *EngineSuite) TestPermanentFailureRunsExactlyOnce() {
	s.conn.script("retrieve:shop:orders",
		connector.PermanentFailure("table gone"))

	req := s.submit()
	s.drain()

	s.Equal(request.StatusError, s.reload(req.ID).Status)
	s.Equal(1, s.conn.callCount("retrieve:shop:orders"),
		"a permanently failed task must not run again without an operator retry")

	orders, err := s.tasks.FindByAddress(s.ctx, req.ID, id.ActionAccess, "shop:orders")
	s.Require().NoError(err)
	s.Equal(task.StatusError, orders.Status, "the failed task stays errored until retried")
}

func (s *EngineSuite) TestTransientFailuresRetryInPlace() {
	s.conn.script("retrieve:shop:customer",
		connector.TransientFailure("timeout"),
		connector.TransientFailure("timeout"),
		connector.Retrieved([]map[string]any{{"id": "c1"}}))

	req := s.submit()
	s.drain()

	s.Equal(request.StatusComplete, s.reload(req.ID).Status)
	s.Equal(3, s.conn.callCount("retrieve:shop:customer"))

	entries, err := s.log.ListByRequest(s.ctx, req.ID)
	s.Require().NoError(err)
	var retries int
	for _, entry := range entries {
		if entry.Address == "shop:customer" && entry.Status == execlog.StatusRetrying {
			retries++
		}
	}
	s.Equal(2, retries)
}

func (s *EngineSuite) TestExhaustedTransientRetriesBecomeFailure() {
	s.conn.script("retrieve:shop:customer",
		connector.TransientFailure("timeout"),
		connector.TransientFailure("timeout"),
		connector.TransientFailure("timeout"))

	req := s.submit()
	s.drain()

	s.Equal(request.StatusError, s.reload(req.ID).Status)
	customer, err := s.tasks.FindByAddress(s.ctx, req.ID, id.ActionAccess, "shop:customer")
	s.Require().NoError(err)
	s.Equal(task.StatusError, customer.Status)
}

func (s *EngineSuite) TestManualInputPauseAndResume() {
	s.conn.script("retrieve:shop:payment_card",
		connector.NeedsInput(connector.ActionRequired{
			Description: "card vault requires manual export",
			Fields:      []string{"number", "order_id"},
		}))

	req := s.submit()
	s.drain()

	s.Equal(request.StatusPaused, s.reload(req.ID).Status)

	s.Run("what is needed reflects the pause", func() {
		needed, err := s.engine.WhatIsNeeded(s.ctx, req.ID)
		s.Require().NoError(err)
		s.Require().NotNil(needed)
		s.Equal(checkpoint.KindPausedForInput, needed.Kind)
		s.Equal("shop:payment_card", needed.Address)
		s.Require().NotNil(needed.ActionRequired)
		s.Equal([]string{"number", "order_id"}, needed.ActionRequired.Fields)
	})

	rows := []map[string]any{{"number": "4111-1111", "order_id": "o1"}}
	s.Require().NoError(s.engine.ResumeWithManualInput(s.ctx, req.ID, "shop:payment_card", rows))
	s.drain()

	s.Equal(request.StatusComplete, s.reload(req.ID).Status)
	card, err := s.tasks.FindByAddress(s.ctx, req.ID, id.ActionAccess, "shop:payment_card")
	s.Require().NoError(err)
	s.Equal(task.StatusComplete, card.Status)
	s.Equal(rows, card.AccessData)
	s.Equal(1, s.conn.callCount("retrieve:shop:payment_card"),
		"resume uses the supplied rows, not another connector call")
}

func (s *EngineSuite) TestAsyncPauseResumesFromCallback() {
	s.conn.script("retrieve:shop:orders",
		connector.AwaitingAsync(connector.ActionRequired{Description: "warehouse export running"}))

	req := s.submit()
	s.drain()
	s.Require().Equal(request.StatusPaused, s.reload(req.ID).Status)

	cp, err := s.checkpoints.Get(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Require().NotNil(cp)
	s.Equal(checkpoint.KindPausedForAsync, cp.Kind)

	result := AsyncResult{Rows: []map[string]any{{"id": "o1", "customer_id": "c1"}}}
	s.Require().NoError(s.engine.ResumeFromAsyncCallback(s.ctx, req.ID, "shop:orders", result))
	s.drain()

	s.Equal(request.StatusComplete, s.reload(req.ID).Status)
}

func (s *EngineSuite) TestErasureGateHoldsWhileAccessIncomplete() {
	s.conn.script("retrieve:shop:orders",
		connector.NeedsInput(connector.ActionRequired{Description: "warehouse export required"}))

	req := s.submit()
	s.drain()
	s.Require().Equal(request.StatusPaused, s.reload(req.ID).Status)

	erasureTasks, err := s.tasks.ListByRequestAndAction(s.ctx, req.ID, id.ActionErasure)
	s.Require().NoError(err)
	s.Require().NotEmpty(erasureTasks)
	for _, t := range erasureTasks {
		if t.IsSentinel() {
			continue
		}
		s.Equal(task.StatusPending, t.Status,
			"erasure task %s must wait for the access graph", t.Address)
		s.Nil(t.DataForErasures, "erasure input is copied only when the gate opens")
	}
	for _, addr := range []string{"shop:customer", "shop:orders", "shop:payment_card"} {
		s.Zero(s.conn.callCount("mask:"+addr))
	}

	// Finishing the access graph opens the gate.
	rows := []map[string]any{{"id": "o1", "customer_id": "c1"}}
	s.Require().NoError(s.engine.ResumeWithManualInput(s.ctx, req.ID, "shop:orders", rows))
	s.drain()

	s.Equal(request.StatusComplete, s.reload(req.ID).Status)
	erasureTasks, err = s.tasks.ListByRequestAndAction(s.ctx, req.ID, id.ActionErasure)
	s.Require().NoError(err)
	s.True(task.GraphSucceeded(erasureTasks))
}

func (s *EngineSuite) TestResumeValidatesCheckpoint() {
	s.conn.script("retrieve:shop:orders",
		connector.AwaitingAsync(connector.ActionRequired{Description: "export running"}))

	req := s.submit()
	s.drain()

	err := s.engine.ResumeWithManualInput(s.ctx, req.ID, "shop:orders", nil)
	s.Error(err, "manual input rejected while paused for async")

	err = s.engine.ResumeFromAsyncCallback(s.ctx, req.ID, "shop:customer", AsyncResult{})
	s.Error(err, "callback for the wrong collection rejected")
}

func (s *EngineSuite) TestCancelIsIdempotentAndStopsWork() {
	s.conn.script("retrieve:shop:customer",
		connector.NeedsInput(connector.ActionRequired{Description: "needs input"}))

	req := s.submit()
	s.drain()
	s.Require().Equal(request.StatusPaused, s.reload(req.ID).Status)

	first, err := s.engine.Cancel(s.ctx, req.ID, "subject withdrew")
	s.Require().NoError(err)
	s.Require().NotNil(first.CanceledAt)
	canceledAt := *first.CanceledAt

	second, err := s.engine.Cancel(s.ctx, req.ID, "duplicate click")
	s.Require().NoError(err)
	s.Equal(canceledAt, *second.CanceledAt, "repeat cancel does not move the timestamp")
	s.Equal("subject withdrew", second.CancellationReason)

	cp, err := s.checkpoints.Get(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Nil(cp, "cancel clears the checkpoint")
}

func (s *EngineSuite) TestInvalidGraphPersistsNothing() {
	// a <-> b dependency cycle, both reachable from the seed.
	cyclic := graph.DatasetGraph{Datasets: []graph.Dataset{{
		Name:          "shop",
		ConnectionKey: "shop_db",
		Collections: []graph.Collection{
			{
				Name: "a",
				Fields: []graph.Field{
					{Name: "email", Identity: "email"},
					{Name: "b_id", References: []graph.Reference{{
						To:        graph.CollectionAddress{Dataset: "shop", Collection: "b"},
						FieldName: "id",
						Direction: graph.DirectionFrom,
					}}},
				},
			},
			{
				Name: "b",
				Fields: []graph.Field{
					{Name: "id"},
					{Name: "a_id", References: []graph.Reference{{
						To:        graph.CollectionAddress{Dataset: "shop", Collection: "a"},
						FieldName: "email",
						Direction: graph.DirectionFrom,
					}}},
				},
			},
		},
	}}}
	s.engine.datasets = cyclic

	req, err := s.engine.Submit(s.ctx, SubmitParams{
		ExternalID:       "ext-cycle",
		PolicyID:         s.policy.ID,
		Identities:       map[string]string{"email": "a@example.com"},
		IdentityVerified: true,
	})
	s.Require().Error(err)
	s.Require().Nil(req)

	requests, err := s.requests.ListByStatus(s.ctx, request.StatusError)
	s.Require().NoError(err)
	s.Require().Len(requests, 1)

	for _, action := range []id.ActionType{id.ActionAccess, id.ActionErasure} {
		tasks, err := s.tasks.ListByRequestAndAction(s.ctx, requests[0].ID, action)
		s.Require().NoError(err)
		s.Empty(tasks, "validation failure must not persist task rows")
	}
}

func (s *EngineSuite) TestConsentPolicy() {
	consentPolicy := request.Policy{
		ID:          id.NewPolicyID(),
		Key:         "consent-propagation",
		AutoApprove: true,
		Rules:       []request.Rule{{Key: "opt-out", ActionType: id.ActionConsent}},
	}
	s.policies.Register(consentPolicy)

	req, err := s.engine.Submit(s.ctx, SubmitParams{
		ExternalID:       "ext-consent",
		PolicyID:         consentPolicy.ID,
		Identities:       map[string]string{"email": "a@example.com"},
		IdentityVerified: true,
	})
	s.Require().NoError(err)
	s.drain()

	s.Equal(request.StatusComplete, s.reload(req.ID).Status)
	t, err := s.tasks.FindByAddress(s.ctx, req.ID, id.ActionConsent, "shop_db:shop_db")
	s.Require().NoError(err)
	s.Equal(task.StatusComplete, t.Status)
	s.True(t.ConsentSent)
}

func (s *EngineSuite) TestManualReviewFlow() {
	review := request.Policy{
		ID:    id.NewPolicyID(),
		Key:   "reviewed-access",
		Rules: []request.Rule{{Key: "download", ActionType: id.ActionAccess}},
	}
	s.policies.Register(review)

	req, err := s.engine.Submit(s.ctx, SubmitParams{
		ExternalID:       "ext-review",
		PolicyID:         review.ID,
		Identities:       map[string]string{"email": "a@example.com"},
		IdentityVerified: true,
	})
	s.Require().NoError(err)
	s.Equal(request.StatusPending, req.Status)

	s.Run("deny is terminal", func() {
		denied, err := s.engine.Deny(s.ctx, req.ID, "unverifiable jurisdiction")
		s.Require().NoError(err)
		s.Equal(request.StatusDenied, denied.Status)
		s.Equal("unverifiable jurisdiction", denied.DeniedReason)

		_, err = s.engine.Approve(s.ctx, req.ID)
		s.Error(err, "denied requests cannot be approved")
	})
}

func (s *EngineSuite) TestSweepRedispatchesAsyncPolls() {
	s.conn.script("retrieve:shop:orders",
		connector.AwaitingAsync(connector.ActionRequired{Description: "export running"}),
		connector.Retrieved([]map[string]any{{"id": "o1", "customer_id": "c1"}}))

	req := s.submit()
	s.drain()
	s.Require().Equal(request.StatusPaused, s.reload(req.ID).Status)

	// The sweep polls the backend; this time it answers.
	s.Require().NoError(s.engine.RequeuePollingTasks(s.ctx))
	s.drain()

	s.Equal(2, s.conn.callCount("retrieve:shop:orders"))
	orders, err := s.tasks.FindByAddress(s.ctx, req.ID, id.ActionAccess, "shop:orders")
	s.Require().NoError(err)
	s.Equal(task.StatusComplete, orders.Status)
}
