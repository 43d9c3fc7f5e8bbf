package request

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	id "dsrd/pkg/domain"
	"dsrd/pkg/platform/sentinel"
)

// PostgresStore persists privacy requests in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed request store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, r *PrivacyRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO privacy_requests (
			id, external_id, status, policy_id, requested_at, due_date,
			started_processing_at, finished_processing_at, reviewed_at,
			paused_at, canceled_at, denied_reason, cancellation_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		uuid.UUID(r.ID), r.ExternalID, string(r.Status), uuid.UUID(r.PolicyID),
		r.RequestedAt, nullTime(r.DueDate),
		r.StartedProcessingAt, r.FinishedProcessingAt, r.ReviewedAt,
		r.PausedAt, r.CanceledAt, r.DeniedReason, r.CancellationReason,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("save privacy request: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, requestID id.RequestID) (*PrivacyRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, status, policy_id, requested_at, due_date,
		       started_processing_at, finished_processing_at, reviewed_at,
		       paused_at, canceled_at, denied_reason, cancellation_reason
		FROM privacy_requests WHERE id = $1`,
		uuid.UUID(requestID),
	)
	return scanRequest(row)
}

func (s *PostgresStore) Update(ctx context.Context, r *PrivacyRequest) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE privacy_requests SET
			status = $2, started_processing_at = $3, finished_processing_at = $4,
			reviewed_at = $5, paused_at = $6, canceled_at = $7,
			denied_reason = $8, cancellation_reason = $9
		WHERE id = $1`,
		uuid.UUID(r.ID), string(r.Status),
		r.StartedProcessingAt, r.FinishedProcessingAt, r.ReviewedAt,
		r.PausedAt, r.CanceledAt, r.DeniedReason, r.CancellationReason,
	)
	if err != nil {
		return fmt.Errorf("update privacy request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update privacy request: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status) ([]*PrivacyRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, external_id, status, policy_id, requested_at, due_date,
		       started_processing_at, finished_processing_at, reviewed_at,
		       paused_at, canceled_at, denied_reason, cancellation_reason
		FROM privacy_requests WHERE status = $1 ORDER BY requested_at`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("list privacy requests: %w", err)
	}
	defer rows.Close()

	var out []*PrivacyRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list privacy requests: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveIdentities(ctx context.Context, requestID id.RequestID, identities []ProvidedIdentity) error {
	for _, ident := range identities {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO provided_identities (request_id, field_name, hashed_value, encrypted_value)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (request_id, field_name)
			DO UPDATE SET hashed_value = $3, encrypted_value = $4`,
			uuid.UUID(requestID), ident.FieldName, ident.HashedValue, ident.EncryptedValue,
		)
		if err != nil {
			return fmt.Errorf("save provided identity %s: %w", ident.FieldName, err)
		}
	}
	return nil
}

func (s *PostgresStore) ListIdentities(ctx context.Context, requestID id.RequestID) ([]ProvidedIdentity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT field_name, hashed_value, encrypted_value
		FROM provided_identities WHERE request_id = $1 ORDER BY field_name`,
		uuid.UUID(requestID),
	)
	if err != nil {
		return nil, fmt.Errorf("list provided identities: %w", err)
	}
	defer rows.Close()

	var out []ProvidedIdentity
	for rows.Next() {
		var ident ProvidedIdentity
		if err := rows.Scan(&ident.FieldName, &ident.HashedValue, &ident.EncryptedValue); err != nil {
			return nil, fmt.Errorf("scan provided identity: %w", err)
		}
		out = append(out, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list provided identities: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveCustomFields(ctx context.Context, requestID id.RequestID, fields []CustomField) error {
	for _, f := range fields {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO custom_fields (request_id, label, hashed_value, encrypted_value)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (request_id, label)
			DO UPDATE SET hashed_value = $3, encrypted_value = $4`,
			uuid.UUID(requestID), f.Label, f.HashedValue, f.EncryptedValue,
		)
		if err != nil {
			return fmt.Errorf("save custom field %s: %w", f.Label, err)
		}
	}
	return nil
}

func (s *PostgresStore) ListCustomFields(ctx context.Context, requestID id.RequestID) ([]CustomField, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT label, hashed_value, encrypted_value
		FROM custom_fields WHERE request_id = $1 ORDER BY label`,
		uuid.UUID(requestID),
	)
	if err != nil {
		return nil, fmt.Errorf("list custom fields: %w", err)
	}
	defer rows.Close()

	var out []CustomField
	for rows.Next() {
		var f CustomField
		if err := rows.Scan(&f.Label, &f.HashedValue, &f.EncryptedValue); err != nil {
			return nil, fmt.Errorf("scan custom field: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list custom fields: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*PrivacyRequest, error) {
	var (
		r        PrivacyRequest
		rid, pid uuid.UUID
		status   string
		dueDate  sql.NullTime
	)
	err := row.Scan(&rid, &r.ExternalID, &status, &pid, &r.RequestedAt, &dueDate,
		&r.StartedProcessingAt, &r.FinishedProcessingAt, &r.ReviewedAt,
		&r.PausedAt, &r.CanceledAt, &r.DeniedReason, &r.CancellationReason,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan privacy request: %w", err)
	}
	r.ID = id.RequestID(rid)
	r.PolicyID = id.PolicyID(pid)
	r.Status = Status(status)
	if dueDate.Valid {
		r.DueDate = dueDate.Time
	}
	return &r, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
