package execlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	id "dsrd/pkg/domain"
)

// PostgresStore persists execution-log entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed execution log.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, entry Entry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_log (request_id, action_type, collection_address, status, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.UUID(entry.RequestID), string(entry.ActionType), entry.Address,
		string(entry.Status), entry.Message, createdAt,
	)
	if err != nil {
		return fmt.Errorf("append execution log entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByRequest(ctx context.Context, requestID id.RequestID) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, action_type, collection_address, status, message, created_at
		FROM execution_log WHERE request_id = $1 ORDER BY created_at, collection_address`,
		uuid.UUID(requestID),
	)
	if err != nil {
		return nil, fmt.Errorf("list execution log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			rid    uuid.UUID
			action string
			status string
		)
		if err := rows.Scan(&rid, &action, &e.Address, &status, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan execution log entry: %w", err)
		}
		e.RequestID = id.RequestID(rid)
		e.ActionType = id.ActionType(action)
		e.Status = Status(status)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list execution log: %w", err)
	}
	return out, nil
}
