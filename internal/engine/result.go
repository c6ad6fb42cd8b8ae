package engine

import (
	"errors"
	"time"

	"github.com/mindjournal/syncd/internal/pipeline"
	"github.com/mindjournal/syncd/internal/store/schema"
)

// SkipReason explains why SyncAll returned without running.
type SkipReason string

const (
	SkipNone             SkipReason = ""
	SkipAlreadySyncing   SkipReason = "already_syncing"
	SkipOffline          SkipReason = "offline"
	SkipNotAuthenticated SkipReason = "not_authenticated"
	SkipRemoteNotReady   SkipReason = "remote_not_ready"
)

var (
	ErrAlreadySyncing   = errors.New("sync already in progress")
	ErrOffline          = errors.New("offline")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrRemoteNotReady   = errors.New("remote service not ready")
)

// Err returns the sentinel error for r, or nil for SkipNone.
func (r SkipReason) Err() error {
	switch r {
	case SkipAlreadySyncing:
		return ErrAlreadySyncing
	case SkipOffline:
		return ErrOffline
	case SkipNotAuthenticated:
		return ErrNotAuthenticated
	case SkipRemoteNotReady:
		return ErrRemoteNotReady
	}
	return nil
}

// CollectionResult is the outcome of one collection's push and pull.
type CollectionResult struct {
	Collection   schema.Collection     `json:"collection"`
	Success      bool                  `json:"success"`
	Pushed       int                   `json:"pushed"`
	Failed       int                   `json:"failed"`
	DeadLettered int                   `json:"deadLettered"`
	Skipped      int                   `json:"skipped"`
	Pulled       int                   `json:"pulled"`
	Watermark    int64                 `json:"watermark"`
	Errors       []*pipeline.SyncError `json:"-"`
}

// ErrorStrings renders the collection's errors.
func (cr *CollectionResult) ErrorStrings() []string {
	out := make([]string, 0, len(cr.Errors))
	for _, err := range cr.Errors {
		out = append(out, err.Error())
	}
	return out
}

// Result is the outcome of one SyncAll call.
type Result struct {
	Success     bool                                    `json:"success"`
	Skipped     SkipReason                              `json:"skipped,omitempty"`
	Collections map[schema.Collection]*CollectionResult `json:"collections,omitempty"`
	Errors      []string                                `json:"errors,omitempty"`
	StartedAt   time.Time                               `json:"startedAt"`
	FinishedAt  time.Time                               `json:"finishedAt"`
}

// Duration is the wall-clock time the run took.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Totals sums the per-collection counters.
func (r *Result) Totals() CollectionResult {
	var t CollectionResult
	for _, cr := range r.Collections {
		t.Pushed += cr.Pushed
		t.Failed += cr.Failed
		t.DeadLettered += cr.DeadLettered
		t.Skipped += cr.Skipped
		t.Pulled += cr.Pulled
	}
	return t
}

func skipped(reason SkipReason, at time.Time) *Result {
	return &Result{
		Skipped:    reason,
		Errors:     []string{reason.Err().Error()},
		StartedAt:  at,
		FinishedAt: at,
	}
}
