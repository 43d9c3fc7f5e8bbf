// Package request holds the PrivacyRequest aggregate: the overall status
// machine, the policy that selects action types, and the subject identities
// that seed graph traversal.
package request

import (
	"fmt"
	"time"

	id "dsrd/pkg/domain"
)

// Status is the privacy request state machine vocabulary.
type Status string

const (
	StatusIdentityUnverified Status = "identity_unverified"
	StatusPending            Status = "pending"
	StatusApproved           Status = "approved"
	StatusDenied             Status = "denied"
	StatusInProcessing       Status = "in_processing"
	StatusPaused             Status = "paused"
	StatusAwaitingEmailSend  Status = "awaiting_email_send"
	StatusComplete           Status = "complete"
	StatusError              Status = "error"
	StatusCanceled           Status = "canceled"
)

// allowedTransitions encodes the monotonic status machine. Cancellation is
// reachable from intake review and from every running state; it and the
// error->in_processing retry path are the only backward-looking moves.
var allowedTransitions = map[Status][]Status{
	StatusIdentityUnverified: {StatusPending, StatusCanceled, StatusError},
	StatusPending:            {StatusApproved, StatusDenied, StatusCanceled, StatusError},
	StatusApproved:           {StatusInProcessing, StatusCanceled, StatusError},
	StatusInProcessing:       {StatusPaused, StatusAwaitingEmailSend, StatusComplete, StatusCanceled, StatusError},
	StatusPaused:             {StatusInProcessing, StatusCanceled, StatusError},
	StatusAwaitingEmailSend:  {StatusInProcessing, StatusComplete, StatusCanceled, StatusError},
	StatusError:              {StatusInProcessing},
	StatusDenied:             {},
	StatusComplete:           {},
	StatusCanceled:           {},
}

// CanTransitionTo reports whether the status machine permits the move.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible. Note that
// error is retriable and therefore not terminal.
func (s Status) Terminal() bool {
	return len(allowedTransitions[s]) == 0
}

// PrivacyRequest is the aggregate root owning one task graph per action type.
type PrivacyRequest struct {
	ID         id.RequestID
	ExternalID string
	Status     Status
	PolicyID   id.PolicyID

	RequestedAt          time.Time
	DueDate              time.Time
	StartedProcessingAt  *time.Time
	FinishedProcessingAt *time.Time
	ReviewedAt           *time.Time
	PausedAt             *time.Time
	CanceledAt           *time.Time
	DeniedReason         string
	CancellationReason   string
}

// New creates a privacy request at intake. The due date is derived from the
// policy's execution timeframe when one is configured.
func New(externalID string, policy Policy, now time.Time) *PrivacyRequest {
	r := &PrivacyRequest{
		ID:          id.NewRequestID(),
		ExternalID:  externalID,
		Status:      StatusIdentityUnverified,
		PolicyID:    policy.ID,
		RequestedAt: now,
	}
	if policy.ExecutionTimeframe > 0 {
		r.DueDate = now.Add(policy.ExecutionTimeframe)
	}
	return r
}

// Transition moves the request to the next status, enforcing the machine.
func (r *PrivacyRequest) Transition(next Status) error {
	if !r.Status.CanTransitionTo(next) {
		return fmt.Errorf("privacy request %s: illegal transition %s -> %s", r.ID, r.Status, next)
	}
	r.Status = next
	return nil
}

// Cancel flips the request to canceled and stamps canceled_at exactly once.
// A second cancel is a no-op so concurrent duplicate cancels stay idempotent.
func (r *PrivacyRequest) Cancel(reason string, now time.Time) error {
	if r.Status == StatusCanceled {
		return nil
	}
	if err := r.Transition(StatusCanceled); err != nil {
		return err
	}
	r.CanceledAt = &now
	r.CancellationReason = reason
	return nil
}

// ProvidedIdentity is one hashed + encrypted identity value supplied by the
// subject. The hash is a blind index used for lookups; the encrypted value
// feeds traversal seeds after decryption by the crypto collaborator.
type ProvidedIdentity struct {
	FieldName      string
	HashedValue    string
	EncryptedValue []byte
}

// CustomField mirrors ProvidedIdentity for caller-defined fields that are
// stored alongside but never used as traversal seeds.
type CustomField struct {
	Label          string
	HashedValue    string
	EncryptedValue []byte
}
