package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mindjournal/syncd/internal/store/schema"
)

// MoveToDeadLetter records op as permanently failed and removes it from the
// outbox in a single transaction. If the outbox row is already gone nothing
// is written, so an operation can never be dead-lettered twice.
func (db *DB) MoveToDeadLetter(ctx context.Context, op schema.Operation, errMsg string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := db.moveToDeadLetter(ctx, tx, op, errMsg); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (db *DB) moveToDeadLetter(ctx context.Context, tx *sql.Tx, op schema.Operation, errMsg string) error {
	// Read the row back so tries reflects the stored count, not a stale copy.
	var tries int
	err := tx.QueryRowContext(ctx, `SELECT tries FROM outbox WHERE op_id = ?`, op.ID).Scan(&tries)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("outbox operation %d: %w", op.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read outbox operation %d: %w", op.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letters (op_id, collection, kind, payload, tries, created_at, last_error, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, string(op.Collection), string(op.Kind), string(op.Payload), tries,
		op.CreatedAt.UnixMilli(), errMsg, db.nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter for operation %d: %w", op.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE op_id = ?`, op.ID); err != nil {
		return fmt.Errorf("failed to remove operation %d from outbox: %w", op.ID, err)
	}
	return nil
}

// CountDeadLetter returns the number of dead letters for a collection.
func (db *DB) CountDeadLetter(ctx context.Context, c schema.Collection) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters WHERE collection = ?`, string(c)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters for %s: %w", c, err)
	}
	return count, nil
}

// DeadLetterFilter narrows ListDeadLetters.
type DeadLetterFilter struct {
	// Collection restricts results to one collection (empty = all)
	Collection schema.Collection
	// Before only returns entries that failed before this time (zero = no bound)
	Before time.Time
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListDeadLetters returns dead letters, most recent failure first.
func (db *DB) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]schema.DeadLetter, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.Collection != "" {
		conditions = append(conditions, "collection = ?")
		args = append(args, string(filter.Collection))
	}
	if !filter.Before.IsZero() {
		conditions = append(conditions, "failed_at < ?")
		args = append(args, filter.Before.UnixMilli())
	}

	query := `
		SELECT id, op_id, collection, kind, payload, tries, created_at, last_error, failed_at
		FROM dead_letters`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY failed_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var entries []schema.DeadLetter
	for rows.Next() {
		var (
			d                   schema.DeadLetter
			collection, kind    string
			payload             string
			createdAt, failedAt int64
		)
		if err := rows.Scan(&d.ID, &d.OpID, &collection, &kind, &payload, &d.Tries, &createdAt, &d.LastError, &failedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		d.Collection = schema.Collection(collection)
		d.Kind = schema.OpKind(kind)
		d.Payload = []byte(payload)
		d.CreatedAt = time.UnixMilli(createdAt).UTC()
		d.FailedAt = time.UnixMilli(failedAt).UTC()
		entries = append(entries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return entries, nil
}

// PurgePolicy bounds how many dead letters are retained.
type PurgePolicy struct {
	// MaxAge drops entries that failed longer ago than this (0 = keep forever)
	MaxAge time.Duration
	// MaxPerCollection keeps only the newest N entries per collection (0 = unbounded)
	MaxPerCollection int
}

// PurgeStaleDeadLetter deletes dead letters outside the retention policy and
// returns how many rows were removed.
func (db *DB) PurgeStaleDeadLetter(ctx context.Context, policy PurgePolicy) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var purged int64
	if policy.MaxAge > 0 {
		cutoff := db.now().Add(-policy.MaxAge).UnixMilli()
		res, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE failed_at < ?`, cutoff)
		if err != nil {
			return 0, fmt.Errorf("failed to purge aged dead letters: %w", err)
		}
		n, _ := res.RowsAffected()
		purged += n
	}

	if policy.MaxPerCollection > 0 {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM dead_letters WHERE id IN (
				SELECT id FROM (
					SELECT id, ROW_NUMBER() OVER (
						PARTITION BY collection ORDER BY failed_at DESC, id DESC
					) AS rn
					FROM dead_letters
				) WHERE rn > ?
			)`, policy.MaxPerCollection)
		if err != nil {
			return 0, fmt.Errorf("failed to trim dead letters: %w", err)
		}
		n, _ := res.RowsAffected()
		purged += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return purged, nil
}

// DeleteDeadLetters removes dead letters that failed before the given time.
func (db *DB) DeleteDeadLetters(ctx context.Context, c schema.Collection, before time.Time) (int64, error) {
	query := `DELETE FROM dead_letters WHERE failed_at < ?`
	args := []any{before.UnixMilli()}
	if c != "" {
		query += " AND collection = ?"
		args = append(args, string(c))
	}
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete dead letters: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RequeueDeadLetter moves dead letters back to the outbox with tries reset.
// Requeued operations get new op ids, so they sort after anything already queued.
func (db *DB) RequeueDeadLetter(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	requeued := 0
	for _, id := range ids {
		var collection, kind, payload string
		err := tx.QueryRowContext(ctx,
			`SELECT collection, kind, payload FROM dead_letters WHERE id = ?`, id,
		).Scan(&collection, &kind, &payload)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read dead letter %d: %w", id, err)
		}

		if _, err := db.appendOutbox(ctx, tx, schema.Collection(collection), schema.OpKind(kind), []byte(payload)); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("failed to delete dead letter %d: %w", id, err)
		}
		requeued++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return requeued, nil
}
