// Package pipeline implements the per-collection push and pull passes of
// the sync engine.
//
// # Push
//
// Pusher.Push drains one collection's outbox in op id order. For each
// operation it:
//
//  1. decodes the payload (failure counts as an attempt: poison pill)
//  2. skips it, untouched, when the payload names a different owner
//  3. translates it to the remote shape and calls create or delete
//  4. on success acknowledges the local record and deletes the row
//  5. on failure increments tries and dead-letters at maxRetries
//
// An operation therefore leaves the outbox only by succeeding or by being
// written to the dead-letter table in the same transaction.
//
// # Pull
//
// Puller.Pull reads the collection's watermark (or now minus the lookback
// window), lists newer remote records, imports them keyed by server id and
// then advances the watermark to the newest creation time seen. Crashing
// between import and advance only causes a harmless re-import.
//
// # Adapters
//
// Outbox and Cursors are thin wrappers over the local store that keep the
// retry and watermark rules in one place.
//
// Both passes report failures as *SyncError values in their results rather
// than returning errors; the caller decides how to surface them.
package pipeline
