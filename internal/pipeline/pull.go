package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mindjournal/syncd/internal/store/schema"
)

// PullResult summarizes one pull pass over a collection.
type PullResult struct {
	Fetched   int
	Imported  int
	Rejected  int
	Watermark int64
	Advanced  bool
	Err       *SyncError
}

// PullerConfig holds configuration for a Puller.
type PullerConfig struct {
	// Limit is the page size of each list-since query (default: 100)
	Limit int
	// MaxPages bounds how many full pages one pass follows (default: 10)
	MaxPages int
	// Lookback is the first-sync window for collections without a cursor (default: 30 days)
	Lookback time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// Puller imports remote records newer than each collection's watermark.
type Puller struct {
	cursors  *Cursors
	records  RecordStore
	remote   Remote
	limit    int
	maxPages int
	logger   *slog.Logger
}

// NewPuller creates a pull pipeline over store and remote.
func NewPuller(store Store, remote Remote, config PullerConfig) *Puller {
	if config.Limit <= 0 {
		config.Limit = 100
	}
	if config.MaxPages <= 0 {
		config.MaxPages = 10
	}
	if config.Lookback <= 0 {
		config.Lookback = 30 * 24 * time.Hour
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Puller{
		cursors:  NewCursors(store, config.Lookback, config.Now),
		records:  store,
		remote:   remote,
		limit:    config.Limit,
		maxPages: config.MaxPages,
		logger:   config.Logger,
	}
}

// Pull fetches and imports records for c. The watermark is written only
// after the batch it covers is imported, and only when it increases.
// Full pages are followed up to MaxPages.
func (p *Puller) Pull(ctx context.Context, c schema.Collection) *PullResult {
	res := &PullResult{}
	log := p.logger.With("collection", string(c))

	watermark, _, err := p.cursors.Watermark(ctx, c)
	if err != nil {
		res.Err = &SyncError{Collection: c, Kind: KindStore, Err: fmt.Errorf("failed to read cursor: %w", err)}
		return res
	}
	res.Watermark = watermark

	for page := 0; page < p.maxPages; page++ {
		batch, err := p.remote.ListSince(ctx, c, watermark, p.limit)
		if err != nil {
			res.Err = &SyncError{Collection: c, Kind: KindPull, Err: err}
			return res
		}
		res.Fetched += len(batch)
		if len(batch) == 0 {
			break
		}

		records := make([]schema.Record, 0, len(batch))
		next := watermark
		for _, rr := range batch {
			if rr.CreationTime > next {
				next = rr.CreationTime
			}
			rec, err := schema.FromRemote(c, rr)
			if err == nil && schema.CollectionOf(rec) != c {
				err = fmt.Errorf("record belongs to %s", schema.CollectionOf(rec))
			}
			if err != nil {
				res.Rejected++
				log.Warn("skipping malformed remote record", "server_id", rr.ID, "error", err)
				continue
			}
			records = append(records, rec)
		}

		n, err := p.records.ImportRecords(ctx, c, records)
		if err != nil {
			res.Err = &SyncError{Collection: c, Kind: KindStore, Err: fmt.Errorf("failed to import: %w", err)}
			return res
		}
		res.Imported += n

		advanced, err := p.cursors.Advance(ctx, c, watermark, next)
		if err != nil {
			res.Err = &SyncError{Collection: c, Kind: KindStore, Err: fmt.Errorf("failed to advance cursor: %w", err)}
			return res
		}
		if !advanced {
			// A batch that cannot move the cursor would be refetched forever.
			break
		}
		res.Advanced = true
		watermark = next
		res.Watermark = watermark

		if len(batch) < p.limit {
			break
		}
	}

	if res.Fetched > 0 {
		log.Debug("pull complete", "fetched", res.Fetched, "imported", res.Imported, "watermark", res.Watermark)
	}
	return res
}
