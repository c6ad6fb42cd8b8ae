package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mindjournal/syncd/internal/store/schema"
)

// GetCursor returns the stored watermark for a collection.
// ok is false when the collection has never been pulled.
func (db *DB) GetCursor(ctx context.Context, c schema.Collection) (watermark int64, ok bool, err error) {
	err = db.conn.QueryRowContext(ctx,
		`SELECT watermark FROM sync_cursors WHERE collection = ?`, string(c),
	).Scan(&watermark)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read cursor for %s: %w", c, err)
	}
	return watermark, true, nil
}

// SetCursor stores a watermark for a collection. The stored value never
// decreases: writing a lower watermark leaves the existing one in place.
func (db *DB) SetCursor(ctx context.Context, c schema.Collection, watermark int64) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sync_cursors (collection, watermark, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(collection) DO UPDATE SET
			watermark = MAX(watermark, excluded.watermark),
			updated_at = excluded.updated_at`,
		string(c), watermark, db.nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("failed to set cursor for %s: %w", c, err)
	}
	return nil
}

// ResetCursor forgets the watermark so the next pull starts from the lookback window.
func (db *DB) ResetCursor(ctx context.Context, c schema.Collection) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sync_cursors WHERE collection = ?`, string(c)); err != nil {
		return fmt.Errorf("failed to reset cursor for %s: %w", c, err)
	}
	return nil
}
