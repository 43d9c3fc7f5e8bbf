package request

import (
	"context"

	id "dsrd/pkg/domain"
)

// Store persists privacy requests and their provided identities. It is the
// coordination point between API processes and workers, so updates must be
// written through, never cached.
type Store interface {
	Save(ctx context.Context, r *PrivacyRequest) error
	FindByID(ctx context.Context, requestID id.RequestID) (*PrivacyRequest, error)
	Update(ctx context.Context, r *PrivacyRequest) error
	ListByStatus(ctx context.Context, status Status) ([]*PrivacyRequest, error)

	SaveIdentities(ctx context.Context, requestID id.RequestID, identities []ProvidedIdentity) error
	ListIdentities(ctx context.Context, requestID id.RequestID) ([]ProvidedIdentity, error)
	SaveCustomFields(ctx context.Context, requestID id.RequestID, fields []CustomField) error
	ListCustomFields(ctx context.Context, requestID id.RequestID) ([]CustomField, error)
}
