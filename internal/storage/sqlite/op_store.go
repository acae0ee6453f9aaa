// Package sqlite persists the offline operation queue so mutations made
// while disconnected survive a process restart.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/soin8293/jd-tech-sub001/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_operations (
	position INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	target_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	optimistic_snapshot TEXT,
	rollback_snapshot TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	created_at TIMESTAMP NOT NULL,
	state TEXT NOT NULL
);
`

// OpStore is a durable FIFO journal of pending operations.
type OpStore struct {
	db *sql.DB
}

// Open creates or reopens the journal at path. Pass ":memory:" for an
// ephemeral store in tests.
func Open(path string) (*OpStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	// The journal is accessed from timer callbacks and request handlers;
	// a single connection sidesteps SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure queue schema: %w", err)
	}
	return &OpStore{db: db}, nil
}

func (s *OpStore) Close() error {
	return s.db.Close()
}

// Append persists op at the tail of the queue. The operation id must be
// unique; appending an id that is already queued is an error.
func (s *OpStore) Append(ctx context.Context, op domain.PendingOperation) error {
	payload, optimistic, rollback, err := encodeSnapshots(op)
	if err != nil {
		return err
	}

	const stmt = `
INSERT INTO pending_operations
	(id, kind, target_id, payload, optimistic_snapshot, rollback_snapshot, retry_count, max_retries, created_at, state)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		op.ID, op.Kind, op.TargetID,
		payload, optimistic, rollback,
		op.RetryCount, op.MaxRetries,
		op.CreatedAt.UTC().Format(time.RFC3339Nano), op.State,
	)
	if err != nil {
		return fmt.Errorf("append operation: %w", err)
	}
	return nil
}

// List returns every persisted operation in queue order.
func (s *OpStore) List(ctx context.Context) ([]domain.PendingOperation, error) {
	const query = `
SELECT id, kind, target_id, payload, optimistic_snapshot, rollback_snapshot, retry_count, max_retries, created_at, state
FROM pending_operations
ORDER BY position`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var ops []domain.PendingOperation
	for rows.Next() {
		var op domain.PendingOperation
		var payload, optimistic, rollback sql.NullString
		var createdAt string
		if err := rows.Scan(
			&op.ID, &op.Kind, &op.TargetID,
			&payload, &optimistic, &rollback,
			&op.RetryCount, &op.MaxRetries, &createdAt, &op.State,
		); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		if err := decodeSnapshots(&op, payload, optimistic, rollback); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at for %s: %w", op.ID, err)
		}
		op.CreatedAt = t
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// MarkRetry re-persists the retry count and state after a transient
// failure, keeping the operation id and queue position stable.
func (s *OpStore) MarkRetry(ctx context.Context, id string, retryCount int) error {
	const stmt = `UPDATE pending_operations SET retry_count = ?, state = ? WHERE id = ?`
	tag, err := s.db.ExecContext(ctx, stmt, retryCount, domain.OperationQueued, id)
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	return requireRow(tag, id)
}

func (s *OpStore) MarkState(ctx context.Context, id string, state domain.OperationState) error {
	const stmt = `UPDATE pending_operations SET state = ? WHERE id = ?`
	tag, err := s.db.ExecContext(ctx, stmt, state, id)
	if err != nil {
		return fmt.Errorf("mark state: %w", err)
	}
	return requireRow(tag, id)
}

// Remove deletes a completed or abandoned operation from the journal.
func (s *OpStore) Remove(ctx context.Context, id string) error {
	const stmt = `DELETE FROM pending_operations WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, stmt, id); err != nil {
		return fmt.Errorf("remove operation: %w", err)
	}
	return nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("operation %s not found", id)
	}
	return nil
}

func encodeSnapshots(op domain.PendingOperation) (payload, optimistic, rollback []byte, err error) {
	if payload, err = json.Marshal(op.Payload); err != nil {
		return nil, nil, nil, fmt.Errorf("encode payload: %w", err)
	}
	if op.Optimistic != nil {
		if optimistic, err = json.Marshal(op.Optimistic); err != nil {
			return nil, nil, nil, fmt.Errorf("encode optimistic snapshot: %w", err)
		}
	}
	if op.Rollback != nil {
		if rollback, err = json.Marshal(op.Rollback); err != nil {
			return nil, nil, nil, fmt.Errorf("encode rollback snapshot: %w", err)
		}
	}
	return payload, optimistic, rollback, nil
}

func decodeSnapshots(op *domain.PendingOperation, payload, optimistic, rollback sql.NullString) error {
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &op.Payload); err != nil {
			return fmt.Errorf("decode payload for %s: %w", op.ID, err)
		}
	}
	if optimistic.Valid && optimistic.String != "" {
		if err := json.Unmarshal([]byte(optimistic.String), &op.Optimistic); err != nil {
			return fmt.Errorf("decode optimistic snapshot for %s: %w", op.ID, err)
		}
	}
	if rollback.Valid && rollback.String != "" {
		if err := json.Unmarshal([]byte(rollback.String), &op.Rollback); err != nil {
			return fmt.Errorf("decode rollback snapshot for %s: %w", op.ID, err)
		}
	}
	return nil
}
