package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"dsrd/internal/graph"
	id "dsrd/pkg/domain"
	"dsrd/pkg/platform/sentinel"
)

// PostgresStore persists request tasks in PostgreSQL. Adjacency lists and
// accumulated data are JSONB columns; the composite logical key
// (request_id, action_type, collection_address) carries a unique index so
// graph builds stay idempotent under races.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed task store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const taskColumns = `
	id, request_id, action_type, collection_address, status,
	created_at, updated_at,
	upstream_tasks, downstream_tasks, all_descendant_tasks,
	access_data, data_for_erasures,
	rows_masked, consent_sent, callback_succeeded,
	collection, traversal_details`

func (s *PostgresStore) CreateBatch(ctx context.Context, tasks []*RequestTask) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create tasks: %w", err)
	}
	defer tx.Rollback()

	for _, t := range tasks {
		cols, err := marshalTask(t)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO request_tasks (`+taskColumns+`)
			VALUES ($1, $2, $3, $4, $5, now(), now(), $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			uuid.UUID(t.ID), uuid.UUID(t.RequestID), string(t.ActionType), t.Address, string(t.Status),
			cols.upstream, cols.downstream, cols.descendants,
			cols.accessData, cols.dataForErasures,
			t.RowsMasked, t.ConsentSent, t.CallbackSucceeded,
			cols.collection, cols.traversal,
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
				return sentinel.ErrConflict
			}
			return fmt.Errorf("insert request task %s: %w", t.Address, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create tasks: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, taskID id.TaskID) (*RequestTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM request_tasks WHERE id = $1`,
		uuid.UUID(taskID),
	)
	return scanTask(row)
}

func (s *PostgresStore) FindByAddress(ctx context.Context, requestID id.RequestID, action id.ActionType, address string) (*RequestTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM request_tasks
		 WHERE request_id = $1 AND action_type = $2 AND collection_address = $3`,
		uuid.UUID(requestID), string(action), address,
	)
	return scanTask(row)
}

func (s *PostgresStore) ListByRequestAndAction(ctx context.Context, requestID id.RequestID, action id.ActionType) ([]*RequestTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM request_tasks
		 WHERE request_id = $1 AND action_type = $2 ORDER BY created_at, collection_address`,
		uuid.UUID(requestID), string(action),
	)
	if err != nil {
		return nil, fmt.Errorf("list request tasks: %w", err)
	}
	defer rows.Close()

	var out []*RequestTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list request tasks: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Update(ctx context.Context, t *RequestTask) error {
	cols, err := marshalTask(t)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE request_tasks SET
			status = $2, updated_at = now(),
			access_data = $3, data_for_erasures = $4,
			rows_masked = $5, consent_sent = $6, callback_succeeded = $7
		WHERE id = $1`,
		uuid.UUID(t.ID), string(t.Status),
		cols.accessData, cols.dataForErasures,
		t.RowsMasked, t.ConsentSent, t.CallbackSucceeded,
	)
	if err != nil {
		return fmt.Errorf("update request task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update request task: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

type taskColumnsJSON struct {
	upstream        []byte
	downstream      []byte
	descendants     []byte
	accessData      []byte
	dataForErasures []byte
	collection      []byte
	traversal       []byte
}

func marshalTask(t *RequestTask) (taskColumnsJSON, error) {
	var cols taskColumnsJSON
	var err error
	if cols.upstream, err = json.Marshal(emptyIfNil(t.UpstreamTasks)); err != nil {
		return cols, fmt.Errorf("marshal upstream tasks: %w", err)
	}
	if cols.downstream, err = json.Marshal(emptyIfNil(t.DownstreamTasks)); err != nil {
		return cols, fmt.Errorf("marshal downstream tasks: %w", err)
	}
	if cols.descendants, err = json.Marshal(emptyIfNil(t.AllDescendantTasks)); err != nil {
		return cols, fmt.Errorf("marshal descendant tasks: %w", err)
	}
	if cols.accessData, err = json.Marshal(t.AccessData); err != nil {
		return cols, fmt.Errorf("marshal access data: %w", err)
	}
	if cols.dataForErasures, err = json.Marshal(t.DataForErasures); err != nil {
		return cols, fmt.Errorf("marshal data for erasures: %w", err)
	}
	if cols.collection, err = json.Marshal(t.Collection); err != nil {
		return cols, fmt.Errorf("marshal collection snapshot: %w", err)
	}
	if cols.traversal, err = json.Marshal(t.Traversal); err != nil {
		return cols, fmt.Errorf("marshal traversal details: %w", err)
	}
	return cols, nil
}

func emptyIfNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*RequestTask, error) {
	var (
		t                    RequestTask
		tid, rid             uuid.UUID
		action, status       string
		upstream, downstream []byte
		descendants          []byte
		accessData           []byte
		dataForErasures      []byte
		collection           []byte
		traversal            []byte
	)
	err := row.Scan(&tid, &rid, &action, &t.Address, &status,
		&t.CreatedAt, &t.UpdatedAt,
		&upstream, &downstream, &descendants,
		&accessData, &dataForErasures,
		&t.RowsMasked, &t.ConsentSent, &t.CallbackSucceeded,
		&collection, &traversal,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan request task: %w", err)
	}

	t.ID = id.TaskID(tid)
	t.RequestID = id.RequestID(rid)
	t.ActionType = id.ActionType(action)
	t.Status = Status(status)

	if err := json.Unmarshal(upstream, &t.UpstreamTasks); err != nil {
		return nil, fmt.Errorf("unmarshal upstream tasks: %w", err)
	}
	if err := json.Unmarshal(downstream, &t.DownstreamTasks); err != nil {
		return nil, fmt.Errorf("unmarshal downstream tasks: %w", err)
	}
	if err := json.Unmarshal(descendants, &t.AllDescendantTasks); err != nil {
		return nil, fmt.Errorf("unmarshal descendant tasks: %w", err)
	}
	if len(accessData) > 0 {
		if err := json.Unmarshal(accessData, &t.AccessData); err != nil {
			return nil, fmt.Errorf("unmarshal access data: %w", err)
		}
	}
	if len(dataForErasures) > 0 {
		if err := json.Unmarshal(dataForErasures, &t.DataForErasures); err != nil {
			return nil, fmt.Errorf("unmarshal data for erasures: %w", err)
		}
	}
	var snapshot graph.Collection
	if err := json.Unmarshal(collection, &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal collection snapshot: %w", err)
	}
	t.Collection = snapshot
	var details graph.NodeDetails
	if err := json.Unmarshal(traversal, &details); err != nil {
		return nil, fmt.Errorf("unmarshal traversal details: %w", err)
	}
	t.Traversal = details
	return &t, nil
}
