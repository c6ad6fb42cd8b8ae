package engine

import (
	"maps"
	"time"

	"github.com/mindjournal/syncd/internal/store/schema"
)

// Status is a point-in-time view of the engine for display.
type Status struct {
	Online        bool                      `json:"online"`
	Syncing       bool                      `json:"syncing"`
	AutoSync      bool                      `json:"autoSync"`
	LastSyncTime  *time.Time                `json:"lastSyncTime,omitempty"`
	LastRunFailed bool                      `json:"lastRunFailed"`
	PendingCounts map[schema.Collection]int `json:"pendingCounts"`
	FailedCounts  map[schema.Collection]int `json:"failedCounts"`
	Errors        []string                  `json:"errors"`
}

// TotalPending sums the outbox counts.
func (s Status) TotalPending() int {
	total := 0
	for _, n := range s.PendingCounts {
		total += n
	}
	return total
}

// TotalFailed sums the dead-letter counts.
func (s Status) TotalFailed() int {
	total := 0
	for _, n := range s.FailedCounts {
		total += n
	}
	return total
}

// Status returns the current status. Online and Syncing are read live;
// counts and errors come from the end of the most recent run (or from
// Initialize before any run).
func (e *Engine) Status() Status {
	online := e.monitor.Online()
	syncing := e.syncing.Load()

	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		Online:        online,
		Syncing:       syncing,
		AutoSync:      e.stopTimer != nil,
		LastRunFailed: e.snapshot.lastFailed,
		PendingCounts: maps.Clone(e.snapshot.pending),
		FailedCounts:  maps.Clone(e.snapshot.failed),
		Errors:        append([]string{}, e.snapshot.errors...),
	}
	if st.PendingCounts == nil {
		st.PendingCounts = map[schema.Collection]int{}
	}
	if st.FailedCounts == nil {
		st.FailedCounts = map[schema.Collection]int{}
	}
	if !e.snapshot.lastSync.IsZero() {
		last := e.snapshot.lastSync
		st.LastSyncTime = &last
	}
	return st
}
