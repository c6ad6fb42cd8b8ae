// Package loadtest measures how fast the engine drains a large outbox.
//
// Run seeds a throwaway store with synthetic records across collections,
// then calls SyncAll against an in-memory remote until the outbox is empty,
// timing every pass. An optional per-create delay approximates network
// latency.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/mindjournal/syncd/internal/connectivity"
	"github.com/mindjournal/syncd/internal/engine"
	"github.com/mindjournal/syncd/internal/remote"
	"github.com/mindjournal/syncd/internal/store/db"
	"github.com/mindjournal/syncd/internal/store/schema"
)

// Options configures a load test.
type Options struct {
	// Records is the number of records seeded per run (default: 1000)
	Records int
	// Runs repeats seed-and-drain this many times (default: 1)
	Runs int
	// Collections receive records round-robin (default: schema.DefaultCollections)
	Collections []schema.Collection
	// Config drives the engine; AutoSync is always turned off (default: engine.DefaultConfig)
	Config *engine.Config
	// RemoteLatency delays every remote create
	RemoteLatency time.Duration
	// Dir holds the temporary database (default: a fresh temp dir, removed afterwards)
	Dir string
	// Seed makes record generation reproducible (default: 1)
	Seed   int64
	Logger *slog.Logger
}

// LatencyStats summarizes a set of timings.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration // Median
	P95       time.Duration
	P99       time.Duration
	Samples   int
	Durations []time.Duration
}

// Report is the outcome of Run.
type Report struct {
	Records      int
	Runs         int
	Pushed       int
	Failed       int
	DeadLettered int
	Passes       int
	Creates      int64
	Elapsed      time.Duration
	// PassLatency times individual SyncAll calls.
	PassLatency *LatencyStats
	// DrainLatency times seed-to-empty for each run.
	DrainLatency *LatencyStats
}

// Throughput returns pushed operations per second.
func (r *Report) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Pushed) / r.Elapsed.Seconds()
}

// Run executes the load test.
func Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.Records <= 0 {
		opts.Records = 1000
	}
	if opts.Runs <= 0 {
		opts.Runs = 1
	}
	if len(opts.Collections) == 0 {
		opts.Collections = schema.DefaultCollections()
	}
	cfg := engine.DefaultConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	cfg.AutoSync = false
	cfg.Collections = opts.Collections
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if opts.Seed == 0 {
		opts.Seed = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	dir := opts.Dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "syncd-loadtest-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create temp dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	store, err := db.Open(filepath.Join(dir, "loadtest.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()
	if err := store.InitSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	mem := remote.NewMemory()
	var creates atomic.Int64
	mem.OnCreate(func(ctx context.Context, _ schema.Collection) {
		creates.Add(1)
		if opts.RemoteLatency <= 0 {
			return
		}
		select {
		case <-ctx.Done():
		case <-time.After(opts.RemoteLatency):
		}
	})

	eng := engine.New(store, mem, connectivity.NewSwitch(true), engine.WithLogger(opts.Logger))
	defer eng.Cleanup()

	const user = "loadtest"
	if err := eng.Initialize(ctx, user, cfg); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	report := &Report{Records: opts.Records, Runs: opts.Runs}
	var passes, drains []time.Duration
	// Every pass pushes at least one op per non-empty collection unless the
	// remote is failing, so this bound only trips on a stuck outbox.
	maxPasses := opts.Records/cfg.BatchSize + cfg.MaxRetries + 2

	start := time.Now()
	for run := 0; run < opts.Runs; run++ {
		if err := seed(ctx, store, rng, user, opts.Collections, opts.Records); err != nil {
			return nil, err
		}
		opts.Logger.Debug("seeded outbox", "run", run, "records", opts.Records)

		drainStart := time.Now()
		drained := false
		for pass := 0; pass < maxPasses; pass++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			passStart := time.Now()
			res := eng.SyncAll(ctx)
			passes = append(passes, time.Since(passStart))
			if res.Skipped != engine.SkipNone {
				return nil, fmt.Errorf("sync pass skipped: %w", res.Skipped.Err())
			}
			totals := res.Totals()
			report.Pushed += totals.Pushed
			report.Failed += totals.Failed
			report.DeadLettered += totals.DeadLettered

			pending, err := pendingOps(ctx, store, opts.Collections)
			if err != nil {
				return nil, err
			}
			if pending == 0 {
				drained = true
				break
			}
		}
		if !drained {
			return nil, fmt.Errorf("outbox not drained after %d passes", maxPasses)
		}
		drains = append(drains, time.Since(drainStart))
	}

	report.Elapsed = time.Since(start)
	report.Passes = len(passes)
	report.Creates = creates.Load()
	report.PassLatency = computeLatencyStats(passes)
	report.DrainLatency = computeLatencyStats(drains)
	return report, nil
}

func seed(ctx context.Context, store *db.DB, rng *rand.Rand, user string, collections []schema.Collection, n int) error {
	now := time.Now()
	for i := 0; i < n; i++ {
		c := collections[i%len(collections)]
		rec := generateRecord(rng, c, user, now.Add(-time.Duration(n-i)*time.Second))
		if rec == nil {
			return fmt.Errorf("cannot generate records for %s", c)
		}
		if _, err := store.SaveRecord(ctx, rec); err != nil {
			return fmt.Errorf("failed to seed %s record %d: %w", c, i, err)
		}
	}
	return nil
}

var (
	metrics = []string{"sleep_hours", "steps", "meditation_minutes", "water_glasses"}
	notes   = []string{"", "", "rough morning", "good walk", "slept badly", "productive day"}
	tags    = [][]string{nil, {"work"}, {"family"}, {"exercise", "outdoors"}}
)

func generateRecord(rng *rand.Rand, c schema.Collection, user string, at time.Time) schema.Record {
	meta := schema.Meta{UserID: user}
	switch c.Family() {
	case schema.FamilyMoods:
		return &schema.MoodEntry{
			Meta:       meta,
			Mood:       1 + rng.Intn(5),
			Note:       notes[rng.Intn(len(notes))],
			Tags:       tags[rng.Intn(len(tags))],
			RecordedAt: at,
		}
	case schema.FamilyProgress:
		return &schema.ProgressEntry{
			Meta:       meta,
			Metric:     metrics[rng.Intn(len(metrics))],
			Value:      float64(rng.Intn(10000)) / 10,
			RecordedAt: at,
		}
	case schema.FamilyChat:
		role := "user"
		if rng.Intn(2) == 1 {
			role = "assistant"
		}
		return &schema.ChatMessage{
			Meta:     meta,
			ChatType: c.ChatType(),
			Role:     role,
			Content:  fmt.Sprintf("message %d", rng.Intn(1_000_000)),
			SentAt:   at,
		}
	}
	return nil
}

func pendingOps(ctx context.Context, store *db.DB, collections []schema.Collection) (int, error) {
	total := 0
	for _, c := range collections {
		n, err := store.CountOutbox(ctx, c)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Samples:   len(durations),
		Durations: sorted,
	}
}

// PrintStats writes the statistics under a heading.
func (s *LatencyStats) PrintStats(w io.Writer, heading string) {
	fmt.Fprintf(w, "%s:\n", heading)
	fmt.Fprintf(w, "  Samples:       %d\n", s.Samples)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
