package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Queue is the SQLite-backed pending-mutation store.
type Queue struct {
	db *sql.DB
}

// NewQueue creates a queue over the gateway's local database.
func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db}
}

const operationColumns = `seq, id, entity_ref, kind, payload, status, attempts,
	COALESCE(last_error, ''), created_at, updated_at`

// Enqueue inserts the operation in queued state. Enqueueing an id that
// already exists is a no-op, so consoles can safely resubmit after a lost
// response; the returned bool reports whether a new row was inserted.
func (q *Queue) Enqueue(ctx context.Context, op *Operation) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO outbox_operations
		 (id, entity_ref, kind, payload, status, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		op.ID, op.EntityRef, op.Kind, string(op.Payload), string(StatusQueued), now, now,
	)
	if err != nil {
		return false, fmt.Errorf("enqueueing operation: %w", err)
	}

	inserted, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return inserted > 0, nil
}

// NextBatch returns up to limit sendable operations in creation order. An
// operation is sendable when it is the oldest queued operation for its entity
// and no operation for that entity is in flight. Surfaced operations are out
// of the queue and never hold their lane: later operations on the same
// entity keep flowing while a human reviews the surfaced one.
func (q *Queue) NextBatch(ctx context.Context, limit int) ([]*Operation, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+operationColumns+`
		 FROM outbox_operations o
		 WHERE o.status = ?
		   AND NOT EXISTS (
		     SELECT 1 FROM outbox_operations b
		     WHERE b.entity_ref = o.entity_ref
		       AND b.seq != o.seq
		       AND (b.status = ? OR (b.status = ? AND b.seq < o.seq))
		   )
		 ORDER BY o.seq
		 LIMIT ?`,
		string(StatusQueued),
		string(StatusInFlight), string(StatusQueued),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting next batch: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// MarkInFlight claims the operation for sending. The WHERE guard makes the
// claim atomic: a second claimant gets ErrNotClaimable.
func (q *Queue) MarkInFlight(ctx context.Context, id string) error {
	return q.transition(ctx, id, StatusQueued, StatusInFlight, "")
}

// Ack removes a successfully delivered operation.
func (q *Queue) Ack(ctx context.Context, id string) error {
	result, err := q.db.ExecContext(ctx,
		"DELETE FROM outbox_operations WHERE id = ? AND status = ?",
		id, string(StatusInFlight))
	if err != nil {
		return fmt.Errorf("acking operation: %w", err)
	}

	affected, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if affected == 0 {
		return fmt.Errorf("acking operation %s: %w", id, ErrNotClaimable)
	}

	return nil
}

// Fail returns an in-flight operation to the queue after a transient send
// failure, keeping its original queue position, and returns the new attempt
// count so the caller can enforce the attempt budget.
func (q *Queue) Fail(ctx context.Context, id, cause string) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := q.db.ExecContext(ctx,
		`UPDATE outbox_operations
		 SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(StatusQueued), cause, now, id, string(StatusInFlight))
	if err != nil {
		return 0, fmt.Errorf("failing operation: %w", err)
	}

	affected, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if affected == 0 {
		return 0, fmt.Errorf("failing operation %s: %w", id, ErrNotClaimable)
	}

	var attempts int
	err = q.db.QueryRowContext(ctx,
		"SELECT attempts FROM outbox_operations WHERE id = ?", id).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("reading attempt count: %w", err)
	}

	return attempts, nil
}

// Surface moves an operation to the surfaced state, dropping it from the
// delivery queue until a human resolves it. Its lane stays open.
func (q *Queue) Surface(ctx context.Context, id, cause string) error {
	return q.transition(ctx, id, StatusInFlight, StatusSurfaced, cause)
}

// Resolve clears a surfaced operation: retry requeues it with a fresh
// attempt budget, otherwise it is discarded.
func (q *Queue) Resolve(ctx context.Context, id string, retry bool) error {
	now := time.Now().UTC().Format(time.RFC3339)

	var result sql.Result
	var err error
	if retry {
		result, err = q.db.ExecContext(ctx,
			`UPDATE outbox_operations
			 SET status = ?, attempts = 0, last_error = NULL, updated_at = ?
			 WHERE id = ? AND status = ?`,
			string(StatusQueued), now, id, string(StatusSurfaced))
	} else {
		result, err = q.db.ExecContext(ctx,
			"DELETE FROM outbox_operations WHERE id = ? AND status = ?",
			id, string(StatusSurfaced))
	}
	if err != nil {
		return fmt.Errorf("resolving operation: %w", err)
	}

	affected, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if affected == 0 {
		return fmt.Errorf("resolving operation %s: %w", id, ErrNotFound)
	}

	return nil
}

// Pending lists operations still awaiting delivery, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]*Operation, error) {
	return q.list(ctx, StatusQueued, StatusInFlight)
}

// Surfaced lists operations awaiting a human decision, oldest first.
func (q *Queue) Surfaced(ctx context.Context) ([]*Operation, error) {
	return q.list(ctx, StatusSurfaced, StatusSurfaced)
}

// PendingCount reports how many operations await delivery.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM outbox_operations WHERE status IN (?, ?)",
		string(StatusQueued), string(StatusInFlight)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting pending operations: %w", err)
	}
	return count, nil
}

// RecoverInFlight requeues operations left in flight by a crash. Called once
// at startup, before the coordinator starts flushing.
func (q *Queue) RecoverInFlight(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := q.db.ExecContext(ctx,
		"UPDATE outbox_operations SET status = ?, updated_at = ? WHERE status = ?",
		string(StatusQueued), now, string(StatusInFlight))
	if err != nil {
		return 0, fmt.Errorf("recovering in-flight operations: %w", err)
	}

	count, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return count, nil
}

func (q *Queue) transition(ctx context.Context, id string, from, to Status, cause string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	var result sql.Result
	var err error
	if cause != "" {
		result, err = q.db.ExecContext(ctx,
			"UPDATE outbox_operations SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = ?",
			string(to), cause, now, id, string(from))
	} else {
		result, err = q.db.ExecContext(ctx,
			"UPDATE outbox_operations SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
			string(to), now, id, string(from))
	}
	if err != nil {
		return fmt.Errorf("transitioning operation to %s: %w", to, err)
	}

	affected, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if affected == 0 {
		return fmt.Errorf("transitioning operation %s to %s: %w", id, to, ErrNotClaimable)
	}

	return nil
}

func (q *Queue) list(ctx context.Context, statuses ...Status) ([]*Operation, error) {
	args := make([]any, len(statuses))
	placeholders := ""
	for i, s := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args[i] = string(s)
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT `+operationColumns+`
		 FROM outbox_operations
		 WHERE status IN (`+placeholders+`)
		 ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

func scanOperations(rows *sql.Rows) ([]*Operation, error) {
	var ops []*Operation
	for rows.Next() {
		var op Operation
		var payload, status, createdAt, updatedAt string

		err := rows.Scan(&op.Seq, &op.ID, &op.EntityRef, &op.Kind, &payload,
			&status, &op.Attempts, &op.LastError, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}

		op.Payload = []byte(payload)
		op.Status = Status(status)
		op.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
		op.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled
		ops = append(ops, &op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating operations: %w", err)
	}

	return ops, nil
}
