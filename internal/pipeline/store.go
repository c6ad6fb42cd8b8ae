package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mindjournal/syncd/internal/store/db"
	"github.com/mindjournal/syncd/internal/store/schema"
)

// ErrOperationGone reports that an outbox row disappeared mid-pass.
var ErrOperationGone = errors.New("operation no longer queued")

// OutboxStore is the queue surface of the local store.
type OutboxStore interface {
	AppendOutbox(ctx context.Context, c schema.Collection, kind schema.OpKind, payload []byte) (int64, error)
	ListOutboxAfter(ctx context.Context, c schema.Collection, afterID int64, limit int) ([]schema.Operation, error)
	DeleteOutbox(ctx context.Context, opID int64) error
	// FailOperation increments tries and dead-letters the operation at
	// maxRetries, atomically. A missing row yields an error wrapping
	// db.ErrNotFound.
	FailOperation(ctx context.Context, op schema.Operation, errMsg string, maxRetries int) (tries int, deadLettered bool, err error)
	CountOutbox(ctx context.Context, c schema.Collection) (int, error)
	CountDeadLetter(ctx context.Context, c schema.Collection) (int, error)
}

// CursorStore is the watermark surface of the local store.
type CursorStore interface {
	GetCursor(ctx context.Context, c schema.Collection) (int64, bool, error)
	SetCursor(ctx context.Context, c schema.Collection, watermark int64) error
}

// RecordStore is the record surface of the local store.
type RecordStore interface {
	ImportRecords(ctx context.Context, c schema.Collection, records []schema.Record) (int, error)
	AcknowledgeSynced(ctx context.Context, c schema.Collection, localID, serverID string, syncedAt time.Time) (bool, error)
	MarkSyncError(ctx context.Context, c schema.Collection, localID string) error
}

// Store is everything the pipelines need from the local store.
type Store interface {
	OutboxStore
	CursorStore
	RecordStore
}

// Remote is the remote service surface the pipelines need.
type Remote interface {
	// Ready reports whether the client is configured and authenticated.
	Ready() bool
	Create(ctx context.Context, c schema.Collection, doc map[string]any) (serverID string, err error)
	// Delete must succeed for ids that are already gone.
	Delete(ctx context.Context, c schema.Collection, serverID string) error
	ListSince(ctx context.Context, c schema.Collection, since int64, limit int) ([]schema.RemoteRecord, error)
}

// Outbox adapts the store's queue tables to the push pipeline's needs.
type Outbox struct {
	store OutboxStore
}

// NewOutbox wraps an OutboxStore.
func NewOutbox(store OutboxStore) *Outbox {
	return &Outbox{store: store}
}

// Pending returns up to limit queued operations for c with op ids above
// afterID, oldest first.
func (o *Outbox) Pending(ctx context.Context, c schema.Collection, afterID int64, limit int) ([]schema.Operation, error) {
	return o.store.ListOutboxAfter(ctx, c, afterID, limit)
}

// Enqueue appends an operation with an encoded payload.
func (o *Outbox) Enqueue(ctx context.Context, c schema.Collection, kind schema.OpKind, p schema.Payload) (int64, error) {
	raw, err := schema.EncodePayload(p)
	if err != nil {
		return 0, err
	}
	return o.store.AppendOutbox(ctx, c, kind, raw)
}

// Complete removes an acknowledged operation.
func (o *Outbox) Complete(ctx context.Context, op schema.Operation) error {
	return o.store.DeleteOutbox(ctx, op.ID)
}

// Fail records a failed attempt. Once tries reaches maxRetries the operation
// moves to the dead-letter table with cause as its last error. It returns
// ErrOperationGone when the row was removed while the attempt was in flight,
// e.g. by an identity change clearing the outbox.
func (o *Outbox) Fail(ctx context.Context, op schema.Operation, cause error, maxRetries int) (tries int, deadLettered bool, err error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	tries, deadLettered, err = o.store.FailOperation(ctx, op, msg, maxRetries)
	if errors.Is(err, db.ErrNotFound) {
		return op.Tries, false, ErrOperationGone
	}
	if err != nil {
		return op.Tries, false, fmt.Errorf("failed to record attempt: %w", err)
	}
	return tries, deadLettered, nil
}

// Counts returns pending and dead-letter counts for each collection.
func (o *Outbox) Counts(ctx context.Context, collections []schema.Collection) (pending, failed map[schema.Collection]int, err error) {
	pending = make(map[schema.Collection]int, len(collections))
	failed = make(map[schema.Collection]int, len(collections))
	var errs []error
	for _, c := range collections {
		n, cerr := o.store.CountOutbox(ctx, c)
		if cerr != nil {
			errs = append(errs, cerr)
		} else {
			pending[c] = n
		}
		n, cerr = o.store.CountDeadLetter(ctx, c)
		if cerr != nil {
			errs = append(errs, cerr)
		} else {
			failed[c] = n
		}
	}
	return pending, failed, errors.Join(errs...)
}

// Cursors adapts the store's watermark table to the pull pipeline's needs.
type Cursors struct {
	store    CursorStore
	lookback time.Duration
	now      func() time.Time
}

// NewCursors wraps a CursorStore. Collections without a stored watermark
// start at now minus lookback.
func NewCursors(store CursorStore, lookback time.Duration, now func() time.Time) *Cursors {
	if now == nil {
		now = time.Now
	}
	return &Cursors{store: store, lookback: lookback, now: now}
}

// Watermark returns the stored watermark or the lookback default.
func (c *Cursors) Watermark(ctx context.Context, coll schema.Collection) (watermark int64, stored bool, err error) {
	wm, ok, err := c.store.GetCursor(ctx, coll)
	if err != nil {
		return 0, false, err
	}
	if ok {
		return wm, true, nil
	}
	return c.now().Add(-c.lookback).UnixMilli(), false, nil
}

// Advance persists candidate if it is strictly greater than current.
// It reports whether a write happened.
func (c *Cursors) Advance(ctx context.Context, coll schema.Collection, current, candidate int64) (bool, error) {
	if candidate <= current {
		return false, nil
	}
	if err := c.store.SetCursor(ctx, coll, candidate); err != nil {
		return false, err
	}
	return true, nil
}
