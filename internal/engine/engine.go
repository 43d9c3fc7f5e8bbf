// Package engine is the orchestrator: it owns privacy request intake and
// review, builds the task graphs, reacts to task outcomes, and drives each
// request to a terminal status. All state lives in the stores; the engine
// itself is stateless and safe to run in many processes at once.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dsrd/internal/checkpoint"
	"dsrd/internal/execlog"
	"dsrd/internal/graph"
	"dsrd/internal/identity"
	"dsrd/internal/platform/metrics"
	"dsrd/internal/platform/queue"
	"dsrd/internal/request"
	"dsrd/internal/runner"
	"dsrd/internal/scheduler"
	"dsrd/internal/task"
	"dsrd/internal/task/builder"
	id "dsrd/pkg/domain"
	"dsrd/pkg/platform/sentinel"
)

type Engine struct {
	requests    request.Store
	policies    request.PolicyStore
	tasks       task.Store
	log         execlog.Store
	builder     *builder.Builder
	scheduler   *scheduler.Scheduler
	runner      *runner.Runner
	checkpoints checkpoint.Store
	dispatcher  queue.Dispatcher
	hasher      *identity.Hasher
	encryptor   identity.Encryptor
	datasets    graph.DatasetGraph
	metrics     *metrics.Metrics
	logger      *slog.Logger

	now func() time.Time
}

// Deps bundles the engine's collaborators; all fields are required.
type Deps struct {
	Requests    request.Store
	Policies    request.PolicyStore
	Tasks       task.Store
	Log         execlog.Store
	Builder     *builder.Builder
	Scheduler   *scheduler.Scheduler
	Runner      *runner.Runner
	Checkpoints checkpoint.Store
	Dispatcher  queue.Dispatcher
	Hasher      *identity.Hasher
	Encryptor   identity.Encryptor
	Datasets    graph.DatasetGraph
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

func New(d Deps) *Engine {
	return &Engine{
		requests:    d.Requests,
		policies:    d.Policies,
		tasks:       d.Tasks,
		log:         d.Log,
		builder:     d.Builder,
		scheduler:   d.Scheduler,
		runner:      d.Runner,
		checkpoints: d.Checkpoints,
		dispatcher:  d.Dispatcher,
		hasher:      d.Hasher,
		encryptor:   d.Encryptor,
		datasets:    d.Datasets,
		metrics:     d.Metrics,
		logger:      d.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SubmitParams is the intake payload. Identities are the raw subject
// identity values keyed by identity name; they are hashed and encrypted
// before touching storage.
type SubmitParams struct {
	ExternalID   string
	PolicyID     id.PolicyID
	Identities   map[string]string
	CustomFields map[string]string
	// IdentityVerified marks intake channels that verify the subject
	// before submission; the request skips the unverified holding state.
	IdentityVerified bool
}

// Submit creates a privacy request and, when the policy auto-approves
// verified requests, starts processing immediately.
func (e *Engine) Submit(ctx context.Context, p SubmitParams) (*request.PrivacyRequest, error) {
	if len(p.Identities) == 0 {
		return nil, fmt.Errorf("submit request: %w: at least one identity is required", sentinel.ErrInvalidState)
	}
	policy, err := e.policies.Get(ctx, p.PolicyID)
	if err != nil {
		return nil, fmt.Errorf("load policy %s: %w", p.PolicyID, err)
	}

	req := request.New(p.ExternalID, policy, e.now())
	if err := e.requests.Save(ctx, req); err != nil {
		return nil, fmt.Errorf("save request: %w", err)
	}

	identities := make([]request.ProvidedIdentity, 0, len(p.Identities))
	for name, value := range p.Identities {
		encrypted, err := e.encryptor.Encrypt([]byte(value))
		if err != nil {
			return nil, fmt.Errorf("encrypt identity %q: %w", name, err)
		}
		identities = append(identities, request.ProvidedIdentity{
			FieldName:      name,
			HashedValue:    e.hasher.Hash(value),
			EncryptedValue: encrypted,
		})
	}
	if err := e.requests.SaveIdentities(ctx, req.ID, identities); err != nil {
		return nil, fmt.Errorf("save identities: %w", err)
	}

	if len(p.CustomFields) > 0 {
		fields := make([]request.CustomField, 0, len(p.CustomFields))
		for label, value := range p.CustomFields {
			encrypted, err := e.encryptor.Encrypt([]byte(value))
			if err != nil {
				return nil, fmt.Errorf("encrypt custom field %q: %w", label, err)
			}
			fields = append(fields, request.CustomField{
				Label:          label,
				HashedValue:    e.hasher.Hash(value),
				EncryptedValue: encrypted,
			})
		}
		if err := e.requests.SaveCustomFields(ctx, req.ID, fields); err != nil {
			return nil, fmt.Errorf("save custom fields: %w", err)
		}
	}

	e.logger.Info("privacy request submitted",
		"request_id", req.ID, "policy", policy.Key, "external_id", p.ExternalID)

	if p.IdentityVerified {
		return e.VerifyIdentity(ctx, req.ID)
	}
	return req, nil
}

// VerifyIdentity moves an unverified request to pending and auto-approves
// it when the policy says so.
func (e *Engine) VerifyIdentity(ctx context.Context, requestID id.RequestID) (*request.PrivacyRequest, error) {
	req, err := e.requests.FindByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("load request %s: %w", requestID, err)
	}
	if err := req.Transition(request.StatusPending); err != nil {
		return nil, err
	}
	if err := e.requests.Update(ctx, req); err != nil {
		return nil, fmt.Errorf("update request %s: %w", requestID, err)
	}

	policy, err := e.policies.Get(ctx, req.PolicyID)
	if err != nil {
		return nil, fmt.Errorf("load policy %s: %w", req.PolicyID, err)
	}
	if policy.AutoApprove {
		return e.Approve(ctx, requestID)
	}
	return req, nil
}

// Approve accepts a pending request and starts graph execution.
func (e *Engine) Approve(ctx context.Context, requestID id.RequestID) (*request.PrivacyRequest, error) {
	req, err := e.requests.FindByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("load request %s: %w", requestID, err)
	}
	if err := req.Transition(request.StatusApproved); err != nil {
		return nil, err
	}
	now := e.now()
	req.ReviewedAt = &now
	if err := e.requests.Update(ctx, req); err != nil {
		return nil, fmt.Errorf("update request %s: %w", requestID, err)
	}
	if err := e.start(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Deny rejects a pending request. Denied is terminal; no graph is built.
func (e *Engine) Deny(ctx context.Context, requestID id.RequestID, reason string) (*request.PrivacyRequest, error) {
	req, err := e.requests.FindByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("load request %s: %w", requestID, err)
	}
	if err := req.Transition(request.StatusDenied); err != nil {
		return nil, err
	}
	now := e.now()
	req.ReviewedAt = &now
	req.DeniedReason = reason
	if err := e.requests.Update(ctx, req); err != nil {
		return nil, fmt.Errorf("update request %s: %w", requestID, err)
	}
	e.metrics.RequestsFinished.WithLabelValues(string(request.StatusDenied)).Inc()
	e.logger.Info("privacy request denied", "request_id", requestID, "reason", reason)
	return req, nil
}

// Cancel stops a request that has not finished. Queued dispatches are
// revoked best-effort; a task already running on a worker finishes its
// current attempt and then sees the canceled status. Repeat cancels are
// no-ops.
func (e *Engine) Cancel(ctx context.Context, requestID id.RequestID, reason string) (*request.PrivacyRequest, error) {
	req, err := e.requests.FindByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("load request %s: %w", requestID, err)
	}
	alreadyCanceled := req.Status == request.StatusCanceled
	if err := req.Cancel(reason, e.now()); err != nil {
		return nil, err
	}
	if err := e.requests.Update(ctx, req); err != nil {
		return nil, fmt.Errorf("update request %s: %w", requestID, err)
	}
	if alreadyCanceled {
		return req, nil
	}

	if err := e.dispatcher.Revoke(ctx, requestID); err != nil {
		e.logger.Warn("dispatch revocation failed", "request_id", requestID, "error", err)
	}
	if err := e.checkpoints.Clear(ctx, requestID); err != nil {
		e.logger.Warn("checkpoint clear failed", "request_id", requestID, "error", err)
	}
	e.metrics.RequestsFinished.WithLabelValues(string(request.StatusCanceled)).Inc()
	e.logger.Info("privacy request canceled", "request_id", requestID, "reason", reason)
	return req, nil
}

// seedIdentity decrypts the stored identities back into traversal seeds.
func (e *Engine) seedIdentity(ctx context.Context, requestID id.RequestID) (graph.SeedIdentity, error) {
	identities, err := e.requests.ListIdentities(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("list identities for %s: %w", requestID, err)
	}
	seed := make(graph.SeedIdentity, len(identities))
	for _, pi := range identities {
		value, err := e.encryptor.Decrypt(pi.EncryptedValue)
		if err != nil {
			return nil, fmt.Errorf("decrypt identity %q: %w", pi.FieldName, err)
		}
		seed[pi.FieldName] = string(value)
	}
	return seed, nil
}
