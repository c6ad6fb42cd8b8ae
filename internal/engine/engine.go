// Package engine runs sync passes across all collections.
//
// An Engine owns the single-flight guard shared by every trigger: manual
// SyncAll calls, the periodic scheduler and the connectivity monitor's
// reconnect edge. While a pass is running every other trigger returns an
// "already syncing" result immediately. Within a pass each collection runs
// its push then its pull on its own goroutine; operations inside one
// collection stay strictly ordered.
//
// Lifecycle:
//
//	eng := engine.New(store, remote, monitor)
//	eng.Initialize(ctx, userID, cfg) // starts auto sync when cfg.AutoSync
//	res := eng.SyncAll(ctx)
//	eng.Cleanup()                    // stops the timer and the subscription
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mindjournal/syncd/internal/connectivity"
	"github.com/mindjournal/syncd/internal/pipeline"
	"github.com/mindjournal/syncd/internal/store/db"
	"github.com/mindjournal/syncd/internal/store/schema"
	"github.com/mindjournal/syncd/internal/telemetry"
)

// ErrClosed is returned by Initialize after Cleanup.
var ErrClosed = errors.New("engine is closed")

// Store is the local store surface the engine needs.
type Store interface {
	pipeline.Store
	ClearOutbox(ctx context.Context) (int64, error)
	PurgeStaleDeadLetter(ctx context.Context, policy db.PurgePolicy) (int64, error)
}

// State is the orchestrator state.
type State int

const (
	StateIdle State = iota
	StateSyncing
)

func (s State) String() string {
	if s == StateSyncing {
		return "syncing"
	}
	return "idle"
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTracer sets the tracer for run and collection spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// WithMeter sets the meter the engine's instruments are created from.
func WithMeter(meter metric.Meter) Option {
	return func(e *Engine) { e.meter = meter }
}

// OnResult registers a listener for every completed (non-skipped) run.
func OnResult(fn func(*Result)) Option {
	return func(e *Engine) { e.listeners = append(e.listeners, fn) }
}

// Engine orchestrates sync passes. Construct one per process.
type Engine struct {
	store   Store
	remote  pipeline.Remote
	monitor connectivity.Monitor
	logger  *slog.Logger
	now     func() time.Time
	tracer  trace.Tracer
	meter   metric.Meter
	metrics *metrics

	syncing atomic.Bool

	mu          sync.Mutex
	identity    string
	config      Config
	initialized bool
	closed      bool
	baseCtx     context.Context
	cancelBase  context.CancelFunc
	stopTimer   func()
	unsubscribe func()
	listeners   []func(*Result)
	nextID      int
	subs        map[int]func(*Result)
	snapshot    snapshot

	// wg tracks the scheduler loop and runs started by the engine itself.
	wg sync.WaitGroup
}

type snapshot struct {
	lastSync   time.Time
	lastFailed bool
	pending    map[schema.Collection]int
	failed     map[schema.Collection]int
	errors     []string
}

// New creates an engine. A nil monitor means always online.
func New(store Store, remote pipeline.Remote, monitor connectivity.Monitor, opts ...Option) *Engine {
	if monitor == nil {
		monitor = connectivity.NewSwitch(true)
	}
	e := &Engine{
		store:   store,
		remote:  remote,
		monitor: monitor,
		config:  DefaultConfig(),
		subs:    make(map[int]func(*Result)),
	}
	e.config.AutoSync = false
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "engine")
	if e.now == nil {
		e.now = time.Now
	}
	if e.tracer == nil {
		e.tracer = telemetry.Tracer("")
	}
	if e.meter == nil {
		e.meter = telemetry.Meter("")
	}
	m, err := newMetrics(e.meter)
	if err != nil {
		e.logger.Warn("some sync metrics are unavailable", "error", err)
	}
	e.metrics = m
	return e
}

// Initialize sets the active identity and configuration. With AutoSync it
// starts the periodic scheduler, subscribes to reconnect edges and kicks
// off one background run. ctx bounds every background run; it is not
// used for manual SyncAll calls. Calling Initialize again applies the new
// identity and config.
func (e *Engine) Initialize(ctx context.Context, identity string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid sync config: %w", err)
	}
	if _, err := e.SetIdentity(ctx, identity); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.baseCtx == nil {
		e.baseCtx, e.cancelBase = context.WithCancel(ctx)
	}
	e.stopAutoLocked()
	e.config = cfg
	e.initialized = true
	e.refreshCountsLocked(ctx, cfg.Collections)

	e.logger.Info("sync engine initialized",
		"auto_sync", cfg.AutoSync,
		"interval", cfg.Interval,
		"max_retries", cfg.MaxRetries,
		"collections", len(cfg.Collections))

	if cfg.AutoSync {
		e.startAutoLocked()
		e.goLocked("initialize")
	}
	return nil
}

// SetIdentity changes the active identity. When a previously set identity
// is replaced (including sign-out to ""), the outbox is cleared so queued
// writes never push under another account. It returns the number of
// cleared operations. A pass already running treats rows cleared under it
// as gone rather than as store failures.
func (e *Engine) SetIdentity(ctx context.Context, identity string) (int64, error) {
	e.mu.Lock()
	prev := e.identity
	e.identity = identity
	e.mu.Unlock()

	if prev == "" || prev == identity {
		return 0, nil
	}
	n, err := e.store.ClearOutbox(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to clear outbox on identity change: %w", err)
	}
	e.logger.Info("identity changed, outbox cleared", "cleared", n)
	return n, nil
}

// Identity returns the active identity.
func (e *Engine) Identity() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity
}

// Config returns the active configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// State reports whether a pass is running.
func (e *Engine) State() State {
	if e.syncing.Load() {
		return StateSyncing
	}
	return StateIdle
}

// SyncAll runs one push and pull pass over every configured collection.
//
// It never returns an error: preconditions (already syncing, offline, no
// identity, remote not ready) produce a Result with Skipped set and no side
// effects, and failures inside a collection are recorded in that
// collection's result. The engine is idle again when SyncAll returns.
func (e *Engine) SyncAll(ctx context.Context) *Result {
	started := e.now()
	if !e.syncing.CompareAndSwap(false, true) {
		e.logger.Debug("sync skipped", "reason", SkipAlreadySyncing)
		return skipped(SkipAlreadySyncing, started)
	}

	res := func() *Result {
		defer e.syncing.Store(false)
		return e.run(ctx, started)
	}()

	e.metrics.recordRun(ctx, res)
	if res.Skipped == SkipNone {
		e.notify(res)
	}
	return res
}

func (e *Engine) run(ctx context.Context, started time.Time) *Result {
	e.mu.Lock()
	identity := e.identity
	cfg := e.config
	e.mu.Unlock()

	switch {
	case identity == "":
		return skipped(SkipNotAuthenticated, started)
	case !e.monitor.Online():
		e.logger.Debug("sync skipped", "reason", SkipOffline)
		return skipped(SkipOffline, started)
	case !e.remote.Ready():
		return skipped(SkipRemoteNotReady, started)
	}

	ctx, span := e.tracer.Start(ctx, "syncd.sync_all",
		trace.WithAttributes(attribute.Int("collections", len(cfg.Collections))))
	defer span.End()

	results := make([]*CollectionResult, len(cfg.Collections))
	var g errgroup.Group
	if cfg.MaxParallel > 0 {
		g.SetLimit(cfg.MaxParallel)
	}
	for i, c := range cfg.Collections {
		g.Go(func() error {
			results[i] = e.syncCollection(ctx, c, identity, cfg)
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{
		Success:     true,
		Collections: make(map[schema.Collection]*CollectionResult, len(results)),
		StartedAt:   started,
	}
	for _, cr := range results {
		res.Collections[cr.Collection] = cr
		if !cr.Success {
			res.Success = false
		}
		res.Errors = append(res.Errors, cr.ErrorStrings()...)
		e.metrics.recordCollection(ctx, cr)
	}

	e.finish(ctx, res, cfg)

	if !res.Success {
		span.SetStatus(codes.Error, fmt.Sprintf("%d sync errors", len(res.Errors)))
	}
	t := res.Totals()
	e.logger.Info("sync complete",
		"success", res.Success,
		"pushed", t.Pushed,
		"failed", t.Failed,
		"dead_lettered", t.DeadLettered,
		"pulled", t.Pulled,
		"duration", res.Duration())
	return res
}

// syncCollection runs push then pull for one collection. A panic anywhere in
// the cycle is recovered into an internal error for that collection.
func (e *Engine) syncCollection(ctx context.Context, c schema.Collection, identity string, cfg Config) (cr *CollectionResult) {
	cr = &CollectionResult{Collection: c}
	log := e.logger.With("collection", string(c))

	ctx, span := e.tracer.Start(ctx, "syncd.collection",
		trace.WithAttributes(attribute.String("collection", string(c))))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			cr.Errors = append(cr.Errors, &pipeline.SyncError{
				Collection: c,
				Kind:       pipeline.KindInternal,
				Err:        fmt.Errorf("panic: %v", r),
			})
			cr.Success = false
			span.SetStatus(codes.Error, "panic")
			log.Error("recovered panic in sync cycle", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	pusher := pipeline.NewPusher(e.store, e.remote, pipeline.PusherConfig{
		BatchSize: cfg.BatchSize,
		Logger:    log,
		Now:       e.now,
	})
	push := pusher.Push(ctx, c, identity, cfg.MaxRetries)
	cr.Pushed = push.Pushed
	cr.Failed = push.Failed
	cr.DeadLettered = push.DeadLettered
	cr.Skipped = push.Skipped
	cr.Errors = append(cr.Errors, push.Errors...)

	puller := pipeline.NewPuller(e.store, e.remote, pipeline.PullerConfig{
		Limit:    cfg.PullLimit,
		Lookback: cfg.Lookback,
		Logger:   log,
		Now:      e.now,
	})
	pull := puller.Pull(ctx, c)
	cr.Pulled = pull.Imported
	cr.Watermark = pull.Watermark
	if pull.Err != nil {
		cr.Errors = append(cr.Errors, pull.Err)
		log.Warn("pull failed", "error", pull.Err)
	}

	cr.Success = len(cr.Errors) == 0
	span.SetAttributes(
		attribute.Int("pushed", cr.Pushed),
		attribute.Int("failed", cr.Failed),
		attribute.Int("pulled", cr.Pulled),
	)
	if !cr.Success {
		span.SetStatus(codes.Error, "collection sync had errors")
	}
	return cr
}

// finish purges stale dead letters and refreshes the status snapshot.
func (e *Engine) finish(ctx context.Context, res *Result, cfg Config) {
	if n, err := e.store.PurgeStaleDeadLetter(ctx, cfg.DeadLetter); err != nil {
		e.logger.Warn("failed to purge stale dead letters", "error", err)
	} else if n > 0 {
		e.logger.Info("purged stale dead letters", "count", n)
	}

	res.FinishedAt = e.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.refreshCountsLocked(ctx, cfg.Collections)
	e.snapshot.lastSync = res.FinishedAt
	e.snapshot.lastFailed = !res.Success
	e.snapshot.errors = append([]string(nil), res.Errors...)
}

func (e *Engine) refreshCountsLocked(ctx context.Context, collections []schema.Collection) {
	pending, failed, err := pipeline.NewOutbox(e.store).Counts(ctx, collections)
	if err != nil {
		e.logger.Warn("failed to refresh queue counts", "error", err)
	}
	e.snapshot.pending = pending
	e.snapshot.failed = failed
}

// Subscribe registers fn for every completed (non-skipped) run. fn runs on
// the goroutine that called SyncAll, after the engine is idle again.
func (e *Engine) Subscribe(fn func(*Result)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

func (e *Engine) notify(res *Result) {
	e.mu.Lock()
	fns := make([]func(*Result), 0, len(e.listeners)+len(e.subs))
	fns = append(fns, e.listeners...)
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(res)
	}
}
