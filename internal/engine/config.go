package engine

import (
	"fmt"
	"time"

	"github.com/mindjournal/syncd/internal/store/db"
	"github.com/mindjournal/syncd/internal/store/schema"
)

// Config controls an Engine.
type Config struct {
	// AutoSync runs SyncAll every Interval and on reconnect.
	AutoSync bool
	Interval time.Duration
	// MaxRetries is the number of failed attempts after which an outbox
	// operation is dead-lettered.
	MaxRetries int
	// RetryDelay is reported but not slept on: retries happen on the next cycle.
	RetryDelay time.Duration
	// BatchSize bounds outbox rows pushed per collection per run.
	BatchSize int
	// PullLimit is the page size of each list-since query.
	PullLimit int
	// Lookback is the first-sync window for collections without a cursor.
	Lookback    time.Duration
	Collections []schema.Collection
	// MaxParallel bounds concurrent collection cycles (0 = unbounded).
	MaxParallel int
	DeadLetter  db.PurgePolicy
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		AutoSync:    true,
		Interval:    time.Minute,
		MaxRetries:  3,
		RetryDelay:  5 * time.Second,
		BatchSize:   50,
		PullLimit:   100,
		Lookback:    30 * 24 * time.Hour,
		Collections: schema.DefaultCollections(),
		DeadLetter: db.PurgePolicy{
			MaxAge:           7 * 24 * time.Hour,
			MaxPerCollection: 200,
		},
	}
}

// Validate checks the config for values the engine cannot run with.
func (c Config) Validate() error {
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1 (got %d)", c.MaxRetries)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("sync interval must be positive (got %s)", c.Interval)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive (got %d)", c.BatchSize)
	}
	if c.PullLimit <= 0 {
		return fmt.Errorf("pull limit must be positive (got %d)", c.PullLimit)
	}
	if c.MaxParallel < 0 {
		return fmt.Errorf("max parallel must not be negative (got %d)", c.MaxParallel)
	}
	if len(c.Collections) == 0 {
		return fmt.Errorf("at least one collection is required")
	}
	seen := make(map[schema.Collection]bool, len(c.Collections))
	for _, coll := range c.Collections {
		if err := coll.Validate(); err != nil {
			return err
		}
		if seen[coll] {
			return fmt.Errorf("duplicate collection %q", coll)
		}
		seen[coll] = true
	}
	return nil
}
