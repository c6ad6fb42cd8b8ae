package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mindjournal/syncd/internal/store/schema"
)

// PushResult summarizes one push pass over a collection.
type PushResult struct {
	Pushed       int
	Failed       int
	DeadLettered int
	Skipped      int
	Errors       []*SyncError
	// Aborted is set when a store failure stopped the pass early.
	// Unprocessed operations stay queued.
	Aborted bool
}

// Pusher drains a collection's outbox into the remote service.
type Pusher struct {
	outbox    *Outbox
	records   RecordStore
	remote    Remote
	logger    *slog.Logger
	batchSize int
	now       func() time.Time
}

// PusherConfig holds configuration for a Pusher.
type PusherConfig struct {
	// BatchSize bounds how many operations one pass reads (0 = all)
	BatchSize int
	Logger    *slog.Logger
	Now       func() time.Time
}

// NewPusher creates a push pipeline over store and remote.
func NewPusher(store Store, remote Remote, config PusherConfig) *Pusher {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Pusher{
		outbox:    NewOutbox(store),
		records:   store,
		remote:    remote,
		logger:    config.Logger,
		batchSize: config.BatchSize,
		now:       config.Now,
	}
}

// Push processes the pending operations of c strictly in op id order.
//
// Operations whose payload names an owner other than identity are left
// untouched and do not count toward the batch size. Every other operation
// ends this pass either acknowledged and deleted, or with one more recorded
// failure; at maxRetries failures it is moved to the dead-letter table.
func (p *Pusher) Push(ctx context.Context, c schema.Collection, identity string, maxRetries int) *PushResult {
	res := &PushResult{}
	if maxRetries < 1 {
		maxRetries = 1
	}

	work, err := p.collect(ctx, c, identity, res)
	if err != nil {
		res.Aborted = true
		res.Errors = append(res.Errors, &SyncError{Collection: c, Kind: KindStore, Err: err})
		return res
	}

	for _, q := range work {
		if ctx.Err() != nil {
			res.Aborted = true
			res.Errors = append(res.Errors, &SyncError{Collection: c, Kind: KindInternal, Err: ctx.Err()})
			return res
		}
		if stop := p.pushOne(ctx, c, q, maxRetries, res); stop {
			res.Aborted = true
			return res
		}
	}
	return res
}

// queued is an outbox row with its decoded payload, or the decode error.
type queued struct {
	op        schema.Operation
	payload   schema.Payload
	decodeErr error
}

// collect pages through the outbox until batchSize operations identity may
// push have been gathered. Rows owned by someone else are counted as skipped
// and paged past so they can never fill the batch.
func (p *Pusher) collect(ctx context.Context, c schema.Collection, identity string, res *PushResult) ([]queued, error) {
	var (
		work    []queued
		afterID int64
	)
	pageSize := p.batchSize
	for {
		ops, err := p.outbox.Pending(ctx, c, afterID, pageSize)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			if pageSize > 0 && len(work) == pageSize {
				return work, nil
			}
			afterID = op.ID
			payload, err := schema.DecodePayload(c, op.Kind, op.Payload)
			if err == nil {
				if owner := payload.Owner(); owner != "" && owner != identity {
					p.logger.Debug("skipping operation owned by another identity",
						"collection", string(c), "op_id", op.ID, "owner", owner)
					res.Skipped++
					continue
				}
			}
			work = append(work, queued{op: op, payload: payload, decodeErr: err})
		}
		if pageSize <= 0 || len(ops) < pageSize || len(work) == pageSize {
			return work, nil
		}
	}
}

// pushOne applies a single operation. It returns true when a store failure
// means the rest of the batch must wait for the next pass.
func (p *Pusher) pushOne(ctx context.Context, c schema.Collection, q queued, maxRetries int, res *PushResult) bool {
	op, payload := q.op, q.payload
	log := p.logger.With("collection", string(c), "op_id", op.ID, "kind", string(op.Kind))

	if q.decodeErr != nil {
		return p.fail(ctx, c, op, KindPoison, q.decodeErr, maxRetries, res, log)
	}

	switch op.Kind {
	case schema.OpUpsert:
		doc, err := schema.ToRemote(c, payload)
		if err != nil {
			return p.fail(ctx, c, op, KindPoison, err, maxRetries, res, log)
		}
		serverID, err := p.remote.Create(ctx, c, doc)
		if err != nil {
			return p.fail(ctx, c, op, KindTransient, err, maxRetries, res, log)
		}

		found, err := p.records.AcknowledgeSynced(ctx, c, payload.LocalID(), serverID, p.now())
		if err != nil {
			res.Errors = append(res.Errors, &SyncError{Collection: c, OpID: op.ID, Kind: KindStore, Tries: op.Tries, Err: err})
			log.Error("pushed but failed to acknowledge", "server_id", serverID, "error", err)
			return true
		}
		if !found {
			// The record was deleted locally while its create was in flight.
			compensate := &schema.DeletePayload{
				Ref:      schema.Ref{Local: payload.LocalID(), User: payload.Owner()},
				ServerID: serverID,
			}
			if _, err := p.outbox.Enqueue(ctx, c, schema.OpDelete, compensate); err != nil {
				res.Errors = append(res.Errors, &SyncError{Collection: c, OpID: op.ID, Kind: KindStore, Err: err})
				return true
			}
			log.Info("local record gone after push, queued remote delete", "server_id", serverID)
		}

	case schema.OpDelete:
		del := payload.(*schema.DeletePayload)
		if err := p.remote.Delete(ctx, c, del.ServerID); err != nil {
			return p.fail(ctx, c, op, KindTransient, err, maxRetries, res, log)
		}
	}

	if err := p.outbox.Complete(ctx, op); err != nil {
		res.Errors = append(res.Errors, &SyncError{Collection: c, OpID: op.ID, Kind: KindStore, Err: err})
		return true
	}
	res.Pushed++
	return false
}

func (p *Pusher) fail(ctx context.Context, c schema.Collection, op schema.Operation, kind ErrorKind, cause error, maxRetries int, res *PushResult, log *slog.Logger) bool {
	tries, dead, err := p.outbox.Fail(ctx, op, cause, maxRetries)
	if errors.Is(err, ErrOperationGone) {
		log.Info("operation cleared while in flight", "cause", cause)
		return false
	}
	if err != nil {
		res.Errors = append(res.Errors, &SyncError{Collection: c, OpID: op.ID, Kind: KindStore, Tries: op.Tries, Err: fmt.Errorf("%w (after: %v)", err, cause)})
		log.Error("failed to record push failure", "error", err, "cause", cause)
		return true
	}

	res.Failed++
	if !dead {
		res.Errors = append(res.Errors, &SyncError{Collection: c, OpID: op.ID, Kind: kind, Tries: tries, Err: cause})
		log.Warn("push failed, will retry", "tries", tries, "max_retries", maxRetries, "error", cause)
		return false
	}

	res.DeadLettered++
	res.Errors = append(res.Errors, &SyncError{Collection: c, OpID: op.ID, Kind: KindDeadLettered, Tries: tries, Err: cause})
	log.Error("operation dead-lettered", "tries", tries, "error", cause)

	if op.Kind == schema.OpUpsert {
		if payload, derr := schema.DecodePayload(c, op.Kind, op.Payload); derr == nil {
			if err := p.records.MarkSyncError(ctx, c, payload.LocalID()); err != nil {
				log.Warn("failed to flag record after dead-lettering", "error", err)
			}
		}
	}
	return false
}
