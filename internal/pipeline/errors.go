package pipeline

import (
	"errors"
	"fmt"

	"github.com/mindjournal/syncd/internal/store/schema"
)

// ErrorKind classifies a SyncError.
type ErrorKind string

const (
	// KindTransient is a failed remote call; the operation is retried next cycle.
	KindTransient ErrorKind = "transient"
	// KindPoison is an operation whose payload cannot be decoded or translated.
	KindPoison ErrorKind = "poison"
	// KindDeadLettered is an operation that exhausted its retries.
	KindDeadLettered ErrorKind = "dead_lettered"
	// KindPull is a failed pull for the collection.
	KindPull ErrorKind = "pull"
	// KindStore is a local store failure while recording an outcome.
	KindStore ErrorKind = "store"
	// KindInternal is an unexpected failure inside a collection cycle.
	KindInternal ErrorKind = "internal"
)

// SyncError is a non-fatal error recorded during one sync pass.
type SyncError struct {
	Collection schema.Collection
	OpID       int64 // 0 when not tied to an outbox operation
	Kind       ErrorKind
	Tries      int
	Err        error
}

func (e *SyncError) Error() string {
	if e.OpID != 0 {
		return fmt.Sprintf("%s op %d (%s, tries=%d): %v", e.Collection, e.OpID, e.Kind, e.Tries, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Collection, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// IsPoison reports whether err stems from an undecodable payload.
func IsPoison(err error) bool {
	var se *SyncError
	if errors.As(err, &se) && se.Kind == KindPoison {
		return true
	}
	return errors.Is(err, schema.ErrPayloadDecode)
}
