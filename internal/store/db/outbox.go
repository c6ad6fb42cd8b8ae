package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mindjournal/syncd/internal/store/schema"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendOutbox queues a mutation and returns its op id.
func (db *DB) AppendOutbox(ctx context.Context, c schema.Collection, kind schema.OpKind, payload []byte) (int64, error) {
	return db.appendOutbox(ctx, db.conn, c, kind, payload)
}

func (db *DB) appendOutbox(ctx context.Context, ex execer, c schema.Collection, kind schema.OpKind, payload []byte) (int64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	if !kind.Valid() {
		return 0, fmt.Errorf("invalid operation kind %q", kind)
	}

	res, err := ex.ExecContext(ctx,
		`INSERT INTO outbox (collection, kind, payload, tries, created_at) VALUES (?, ?, ?, 0, ?)`,
		string(c), string(kind), string(payload), db.nowMillis(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append outbox operation for %s: %w", c, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read outbox op id: %w", err)
	}
	return id, nil
}

// ListOutbox returns up to limit pending operations for a collection in
// FIFO order. A limit of 0 returns every row.
func (db *DB) ListOutbox(ctx context.Context, c schema.Collection, limit int) ([]schema.Operation, error) {
	return db.ListOutboxAfter(ctx, c, 0, limit)
}

// ListOutboxAfter is ListOutbox starting after op id afterID, for keyset
// paging through a long queue.
func (db *DB) ListOutboxAfter(ctx context.Context, c schema.Collection, afterID int64, limit int) ([]schema.Operation, error) {
	query := `
		SELECT op_id, collection, kind, payload, tries, created_at
		FROM outbox
		WHERE collection = ? AND op_id > ?
		ORDER BY op_id ASC`
	args := []any{string(c), afterID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// ListAllOutbox returns every pending operation across collections, oldest first.
func (db *DB) ListAllOutbox(ctx context.Context) ([]schema.Operation, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT op_id, collection, kind, payload, tries, created_at
		FROM outbox
		ORDER BY op_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// DeleteOutbox removes an acknowledged operation. Deleting a missing row is a no-op.
func (db *DB) DeleteOutbox(ctx context.Context, opID int64) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM outbox WHERE op_id = ?`, opID); err != nil {
		return fmt.Errorf("failed to delete outbox operation %d: %w", opID, err)
	}
	return nil
}

// IncrementTries records a failed push attempt and returns the new count.
func (db *DB) IncrementTries(ctx context.Context, opID int64) (int, error) {
	var tries int
	err := db.conn.QueryRowContext(ctx,
		`UPDATE outbox SET tries = tries + 1 WHERE op_id = ? RETURNING tries`, opID,
	).Scan(&tries)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("outbox operation %d: %w", opID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment tries for operation %d: %w", opID, err)
	}
	return tries, nil
}

// FailOperation records a failed push attempt. When the new count reaches
// maxRetries the operation is moved to the dead-letter table in the same
// transaction. It returns ErrNotFound if the operation is no longer queued.
func (db *DB) FailOperation(ctx context.Context, op schema.Operation, errMsg string, maxRetries int) (tries int, deadLettered bool, err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`UPDATE outbox SET tries = tries + 1 WHERE op_id = ? RETURNING tries`, op.ID,
	).Scan(&tries)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("outbox operation %d: %w", op.ID, ErrNotFound)
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to increment tries for operation %d: %w", op.ID, err)
	}

	if tries >= maxRetries {
		if err := db.moveToDeadLetter(ctx, tx, op, errMsg); err != nil {
			return 0, false, err
		}
		deadLettered = true
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return tries, deadLettered, nil
}

// CountOutbox returns the number of pending operations for a collection.
func (db *DB) CountOutbox(ctx context.Context, c schema.Collection) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE collection = ?`, string(c)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox for %s: %w", c, err)
	}
	return count, nil
}

// ClearOutbox deletes every pending operation. It is called when the
// active identity changes so one account's writes never push under another.
func (db *DB) ClearOutbox(ctx context.Context) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM outbox`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear outbox: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// cancelPendingUpserts drops queued upserts for a record that was never
// acknowledged, so deleting it locally needs no remote call.
func cancelPendingUpserts(ctx context.Context, tx *sql.Tx, c schema.Collection, localID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		DELETE FROM outbox
		WHERE collection = ? AND kind = ? AND json_valid(payload)
		  AND json_extract(payload, '$.localId') = ?`,
		string(c), string(schema.OpUpsert), localID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending upserts for %s: %w", localID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanOperations(rows *sql.Rows) ([]schema.Operation, error) {
	var ops []schema.Operation
	for rows.Next() {
		var (
			op         schema.Operation
			collection string
			kind       string
			payload    string
			createdAt  int64
		)
		if err := rows.Scan(&op.ID, &collection, &kind, &payload, &op.Tries, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		op.Collection = schema.Collection(collection)
		op.Kind = schema.OpKind(kind)
		op.Payload = []byte(payload)
		op.CreatedAt = time.UnixMilli(createdAt).UTC()
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox rows: %w", err)
	}
	return ops, nil
}
