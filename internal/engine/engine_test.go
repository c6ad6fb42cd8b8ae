package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindjournal/syncd/internal/connectivity"
	"github.com/mindjournal/syncd/internal/pipeline"
	"github.com/mindjournal/syncd/internal/remote"
	"github.com/mindjournal/syncd/internal/store/db"
	"github.com/mindjournal/syncd/internal/store/schema"
)

type fixture struct {
	store  *db.DB
	remote *remote.Memory
	net    *connectivity.Switch
	engine *Engine
}

func newFixture(t *testing.T, online bool, opts ...Option) *fixture {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, store.InitSchema())

	f := &fixture{
		store:  store,
		remote: remote.NewMemory(),
		net:    connectivity.NewSwitch(online),
	}
	f.engine = New(f.store, f.remote, f.net, opts...)
	t.Cleanup(func() {
		f.engine.Cleanup()
		f.net.Wait()
		_ = store.Close()
	})
	return f
}

func manualConfig() Config {
	cfg := DefaultConfig()
	cfg.AutoSync = false
	return cfg
}

func (f *fixture) init(t *testing.T, identity string, cfg Config) {
	t.Helper()
	require.NoError(t, f.engine.Initialize(context.Background(), identity, cfg))
}

func (f *fixture) saveMood(t *testing.T, user string) *schema.MoodEntry {
	t.Helper()
	entry := &schema.MoodEntry{
		Meta:       schema.Meta{UserID: user},
		Mood:       4,
		RecordedAt: time.Now(),
	}
	_, err := f.store.SaveRecord(context.Background(), entry)
	require.NoError(t, err)
	return entry
}

func (f *fixture) outbox(t *testing.T, c schema.Collection) []schema.Operation {
	t.Helper()
	ops, err := f.store.ListOutbox(context.Background(), c, 0)
	require.NoError(t, err)
	return ops
}

func TestSyncAll_PushesAndAcknowledges(t *testing.T) {
	f := newFixture(t, true)
	f.init(t, "u1", manualConfig())
	entry := f.saveMood(t, "u1")

	res := f.engine.SyncAll(context.Background())

	require.True(t, res.Success, res.Errors)
	assert.Equal(t, SkipNone, res.Skipped)
	require.Contains(t, res.Collections, schema.Moods)
	assert.Equal(t, 1, res.Collections[schema.Moods].Pushed)
	assert.Len(t, res.Collections, len(schema.DefaultCollections()))
	assert.Empty(t, f.outbox(t, schema.Moods))

	rec, err := f.store.GetRecord(context.Background(), schema.Moods, entry.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "m1", rec.Metadata().ServerID)
	assert.Equal(t, schema.StatusSynced, rec.Metadata().SyncStatus)
	assert.Equal(t, StateIdle, f.engine.State())
}

func TestSyncAll_DeadLettersAfterMaxRetries(t *testing.T) {
	f := newFixture(t, true)
	cfg := manualConfig()
	cfg.MaxRetries = 3
	f.init(t, "u1", cfg)
	f.remote.FailAlways(schema.Moods, errors.New("internal server error"))
	f.saveMood(t, "u1")

	for i := 0; i < 2; i++ {
		res := f.engine.SyncAll(context.Background())
		assert.False(t, res.Success)
		require.Len(t, f.outbox(t, schema.Moods), 1)
	}
	res := f.engine.SyncAll(context.Background())
	assert.Equal(t, 1, res.Collections[schema.Moods].DeadLettered)

	assert.Empty(t, f.outbox(t, schema.Moods))
	entries, err := f.store.ListDeadLetters(context.Background(), db.DeadLetterFilter{Collection: schema.Moods})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "internal server error", entries[0].LastError)

	st := f.engine.Status()
	assert.Equal(t, 0, st.PendingCounts[schema.Moods])
	assert.Equal(t, 1, st.FailedCounts[schema.Moods])
	assert.True(t, st.LastRunFailed)
	assert.NotEmpty(t, st.Errors)
}

func TestSyncAll_ForeignRowsLeftFromEarlierSessionDoNotBlock(t *testing.T) {
	f := newFixture(t, true)
	for i := 0; i < 50; i++ {
		f.saveMood(t, "previous-user")
	}
	mine := f.saveMood(t, "u2")
	f.init(t, "u2", manualConfig())

	res := f.engine.SyncAll(context.Background())
	require.True(t, res.Success, res.Errors)
	assert.Equal(t, 1, res.Collections[schema.Moods].Pushed)
	assert.Equal(t, 50, res.Collections[schema.Moods].Skipped)

	rec, err := f.store.GetRecord(context.Background(), schema.Moods, mine.LocalID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSynced, rec.Metadata().SyncStatus)
	assert.Len(t, f.outbox(t, schema.Moods), 50)
}

func TestSyncAll_SingleFlight(t *testing.T) {
	f := newFixture(t, true)
	f.init(t, "u1", manualConfig())
	f.saveMood(t, "u1")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.remote.OnCreate(func(ctx context.Context, c schema.Collection) {
		once.Do(func() { close(entered) })
		<-release
	})

	done := make(chan *Result)
	go func() { done <- f.engine.SyncAll(context.Background()) }()
	<-entered

	assert.Equal(t, StateSyncing, f.engine.State())
	assert.True(t, f.engine.Status().Syncing)

	second := f.engine.SyncAll(context.Background())
	assert.False(t, second.Success)
	assert.Equal(t, SkipAlreadySyncing, second.Skipped)
	assert.ErrorIs(t, second.Skipped.Err(), ErrAlreadySyncing)
	assert.Equal(t, 1, f.remote.CallCount(schema.Moods).Create)

	ops := f.outbox(t, schema.Moods)
	require.Len(t, ops, 1)
	assert.Zero(t, ops[0].Tries)

	close(release)
	first := <-done
	assert.True(t, first.Success, first.Errors)
	assert.Equal(t, StateIdle, f.engine.State())
	assert.Empty(t, f.outbox(t, schema.Moods))
}

func TestSyncAll_OfflineHasNoSideEffects(t *testing.T) {
	f := newFixture(t, false)
	f.init(t, "u1", manualConfig())
	f.saveMood(t, "u1")

	res := f.engine.SyncAll(context.Background())
	assert.False(t, res.Success)
	assert.Equal(t, SkipOffline, res.Skipped)
	assert.Equal(t, []string{ErrOffline.Error()}, res.Errors)

	ops := f.outbox(t, schema.Moods)
	require.Len(t, ops, 1)
	assert.Zero(t, ops[0].Tries)
	_, ok, err := f.store.GetCursor(context.Background(), schema.Moods)
	require.NoError(t, err)
	assert.False(t, ok)
	dlq, _ := f.store.CountDeadLetter(context.Background(), schema.Moods)
	assert.Zero(t, dlq)
	assert.Equal(t, remote.Calls{}, f.remote.CallCount(schema.Moods))
	assert.Nil(t, f.engine.Status().LastSyncTime)
}

func TestSyncAll_Preconditions(t *testing.T) {
	t.Run("not authenticated", func(t *testing.T) {
		f := newFixture(t, true)
		res := f.engine.SyncAll(context.Background())
		assert.Equal(t, SkipNotAuthenticated, res.Skipped)
		assert.False(t, res.Success)
	})

	t.Run("remote not ready", func(t *testing.T) {
		f := newFixture(t, true)
		f.init(t, "u1", manualConfig())
		f.remote.SetReady(false)
		res := f.engine.SyncAll(context.Background())
		assert.Equal(t, SkipRemoteNotReady, res.Skipped)
		assert.ErrorIs(t, res.Skipped.Err(), ErrRemoteNotReady)
	})
}

func TestSyncAll_OwnershipSkipAcrossRuns(t *testing.T) {
	f := newFixture(t, true)
	f.init(t, "u1", manualConfig())
	f.saveMood(t, "u2")

	for i := 0; i < 4; i++ {
		res := f.engine.SyncAll(context.Background())
		require.True(t, res.Success, res.Errors)
		assert.Equal(t, 1, res.Collections[schema.Moods].Skipped)
	}

	ops := f.outbox(t, schema.Moods)
	require.Len(t, ops, 1)
	assert.Zero(t, ops[0].Tries)
	assert.Equal(t, 1, f.engine.Status().PendingCounts[schema.Moods])
}

func TestSetIdentity_ClearsOutboxOnChange(t *testing.T) {
	f := newFixture(t, true)
	f.init(t, "u1", manualConfig())
	f.saveMood(t, "u1")

	n, err := f.engine.SetIdentity(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
	require.Len(t, f.outbox(t, schema.Moods), 1)

	n, err = f.engine.SetIdentity(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Empty(t, f.outbox(t, schema.Moods))
	assert.Equal(t, "u2", f.engine.Identity())
}

func TestSyncAll_RecoversPanics(t *testing.T) {
	f := newFixture(t, true)
	f.init(t, "u1", manualConfig())
	f.saveMood(t, "u1")
	f.remote.OnCreate(func(ctx context.Context, c schema.Collection) {
		panic("boom")
	})

	res := f.engine.SyncAll(context.Background())
	assert.False(t, res.Success)
	moods := res.Collections[schema.Moods]
	require.NotEmpty(t, moods.Errors)
	assert.Equal(t, pipeline.KindInternal, moods.Errors[len(moods.Errors)-1].Kind)
	assert.True(t, res.Collections[schema.Progress].Success)
	assert.Equal(t, StateIdle, f.engine.State())

	f.remote.OnCreate(nil)
	again := f.engine.SyncAll(context.Background())
	assert.Equal(t, SkipNone, again.Skipped)
	assert.True(t, again.Success, again.Errors)
}

func TestSyncAll_IsolatesPullFailures(t *testing.T) {
	f := newFixture(t, true)
	f.init(t, "u1", manualConfig())
	f.remote.FailAlways(schema.Progress, errors.New("bad gateway"))
	f.remote.Seed(schema.Moods, "m9", time.Now().UnixMilli(), map[string]any{
		"userId": "u1", "score": float64(2), "timestamp": float64(time.Now().UnixMilli()),
	})

	res := f.engine.SyncAll(context.Background())
	assert.False(t, res.Success)
	assert.False(t, res.Collections[schema.Progress].Success)
	assert.True(t, res.Collections[schema.Moods].Success)
	assert.Equal(t, 1, res.Collections[schema.Moods].Pulled)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "bad gateway")
}

func TestSyncAll_NotifiesListeners(t *testing.T) {
	var fromOption atomic.Int32
	f := newFixture(t, true, OnResult(func(*Result) { fromOption.Add(1) }))
	f.init(t, "u1", manualConfig())

	var got []*Result
	unsubscribe := f.engine.Subscribe(func(res *Result) {
		assert.Equal(t, StateIdle, f.engine.State())
		got = append(got, res)
	})

	f.engine.SyncAll(context.Background())
	f.net.Set(false)
	f.engine.SyncAll(context.Background()) // skipped runs are not reported
	f.net.Set(true)
	unsubscribe()
	f.engine.SyncAll(context.Background())

	assert.Len(t, got, 1)
	assert.Equal(t, int32(2), fromOption.Load())
}

func TestSyncAll_MaxParallel(t *testing.T) {
	f := newFixture(t, true)
	cfg := manualConfig()
	cfg.MaxParallel = 1

	var active, peak atomic.Int32
	f.remote.OnCreate(func(ctx context.Context, c schema.Collection) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
	})
	f.init(t, "u1", cfg)
	f.saveMood(t, "u1")
	_, err := f.store.SaveRecord(context.Background(), &schema.ProgressEntry{
		Meta: schema.Meta{UserID: "u1"}, Metric: "steps", Value: 1000, RecordedAt: time.Now(),
	})
	require.NoError(t, err)

	res := f.engine.SyncAll(context.Background())
	require.True(t, res.Success, res.Errors)
	assert.Equal(t, int32(1), peak.Load())
}

func TestAutoSync_RunsOnInterval(t *testing.T) {
	f := newFixture(t, true)
	cfg := DefaultConfig()
	cfg.Interval = 20 * time.Millisecond
	f.init(t, "u1", cfg)
	assert.True(t, f.engine.AutoSyncRunning())
	assert.Equal(t, 1, f.net.Subscribers())

	f.saveMood(t, "u1")
	require.Eventually(t, func() bool {
		n, err := f.store.CountOutbox(context.Background(), schema.Moods)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotNil(t, f.engine.Status().LastSyncTime)

	f.engine.StopAutoSync()
	assert.False(t, f.engine.AutoSyncRunning())
	assert.Zero(t, f.net.Subscribers())
	f.engine.StopAutoSync()
}

func TestAutoSync_RunsOnReconnect(t *testing.T) {
	f := newFixture(t, false)
	f.init(t, "u1", manualConfig())
	entry := f.saveMood(t, "u1")

	cfg := manualConfig()
	cfg.AutoSync = true
	cfg.Interval = time.Hour
	require.NoError(t, f.engine.Reconfigure(cfg))
	assert.Zero(t, f.remote.CallCount(schema.Moods).Create)

	require.True(t, f.net.Set(true))
	require.Eventually(t, func() bool {
		rec, err := f.store.GetRecord(context.Background(), schema.Moods, entry.LocalID)
		return err == nil && rec.Metadata().SyncStatus == schema.StatusSynced
	}, 2*time.Second, 10*time.Millisecond)

	// Repeated online reports are not edges.
	assert.False(t, f.net.Set(true))
}

func TestCleanup_Idempotent(t *testing.T) {
	f := newFixture(t, true)
	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	f.init(t, "u1", cfg)

	f.engine.Cleanup()
	f.engine.Cleanup()
	assert.False(t, f.engine.AutoSyncRunning())
	assert.Zero(t, f.net.Subscribers())
	assert.ErrorIs(t, f.engine.Initialize(context.Background(), "u1", cfg), ErrClosed)

	// Manual runs still work after cleanup.
	res := f.engine.SyncAll(context.Background())
	assert.Equal(t, SkipNone, res.Skipped)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero retries", func(c *Config) { c.MaxRetries = 0 }, true},
		{"zero interval", func(c *Config) { c.Interval = 0 }, true},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, true},
		{"zero pull limit", func(c *Config) { c.PullLimit = 0 }, true},
		{"negative parallel", func(c *Config) { c.MaxParallel = -1 }, true},
		{"no collections", func(c *Config) { c.Collections = nil }, true},
		{"bad collection", func(c *Config) { c.Collections = []schema.Collection{"notes"} }, true},
		{"duplicate collection", func(c *Config) { c.Collections = []schema.Collection{schema.Moods, schema.Moods} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestInitialize_RejectsInvalidConfig(t *testing.T) {
	f := newFixture(t, true)
	cfg := manualConfig()
	cfg.MaxRetries = 0
	assert.Error(t, f.engine.Initialize(context.Background(), "u1", cfg))
	assert.Empty(t, f.engine.Identity())
}
