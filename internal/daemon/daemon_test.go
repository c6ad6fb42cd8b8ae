package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindjournal/syncd/internal/connectivity"
	"github.com/mindjournal/syncd/internal/engine"
	"github.com/mindjournal/syncd/internal/logging"
	"github.com/mindjournal/syncd/internal/remote"
	"github.com/mindjournal/syncd/internal/store/db"
	"github.com/mindjournal/syncd/internal/store/schema"
)

type harness struct {
	store  *db.DB
	remote *remote.Memory
	poller *connectivity.Poller
	engine *engine.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "daemon.db"))
	require.NoError(t, err)
	require.NoError(t, store.InitSchema())

	h := &harness{
		store:  store,
		remote: remote.NewMemory(),
		poller: connectivity.NewPoller(nil, connectivity.PollerConfig{Interval: 50 * time.Millisecond, Logger: logging.Discard()}),
	}
	h.engine = engine.New(store, h.remote, h.poller, engine.WithLogger(logging.Discard()))
	t.Cleanup(func() {
		h.engine.Cleanup()
		h.poller.Stop()
		_ = store.Close()
	})
	return h
}

func (h *harness) saveMood(t *testing.T, user string) {
	t.Helper()
	_, err := h.store.SaveRecord(context.Background(), &schema.MoodEntry{
		Meta:       schema.Meta{UserID: user},
		Mood:       3,
		RecordedAt: time.Now(),
	})
	require.NoError(t, err)
}

func (h *harness) pending(t *testing.T) int {
	n, err := h.store.CountOutbox(context.Background(), schema.Moods)
	if err != nil {
		return -1
	}
	return n
}

func syncConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Interval = time.Hour
	return cfg
}

func TestNew_Validates(t *testing.T) {
	h := newHarness(t)

	_, err := New(nil, h.poller, Config{Sync: syncConfig()})
	assert.Error(t, err)
	_, err = New(h.engine, nil, Config{Sync: syncConfig()})
	assert.Error(t, err)

	bad := syncConfig()
	bad.MaxRetries = 0
	_, err = New(h.engine, h.poller, Config{Sync: bad})
	assert.Error(t, err)
}

func TestDaemon_SyncsOnStart(t *testing.T) {
	h := newHarness(t)
	h.saveMood(t, "u1")

	cfg := syncConfig()
	cfg.AutoSync = false // forced on by the daemon
	d, err := New(h.engine, h.poller, Config{Identity: "u1", Sync: cfg, Logger: logging.Discard()})
	require.NoError(t, err)
	require.NoError(t, d.Start())
	assert.Error(t, d.Start())

	assert.Eventually(t, func() bool { return h.pending(t) == 0 }, 3*time.Second, 10*time.Millisecond)
	assert.Len(t, h.remote.Docs(schema.Moods), 1)
	assert.True(t, h.engine.AutoSyncRunning())
	assert.Empty(t, d.DashboardAddr())

	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
	assert.False(t, h.engine.AutoSyncRunning())
	assert.Error(t, d.Start())
}

func TestDaemon_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	d, err := New(h.engine, h.poller, Config{Identity: "u1", Sync: syncConfig(), Logger: logging.Discard()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	assert.Eventually(t, h.engine.AutoSyncRunning, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, h.engine.AutoSyncRunning())
}

func TestDaemon_AppliesConfigChanges(t *testing.T) {
	h := newHarness(t)
	h.remote.SetReady(false)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("identity:\n  user_id: u1\nsync:\n  interval: 1h\n"), 0o600))

	d, err := New(h.engine, h.poller, Config{
		Identity:   "u1",
		Sync:       syncConfig(),
		ConfigPath: path,
		Debounce:   20 * time.Millisecond,
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(func() { _ = d.Stop() })

	h.saveMood(t, "u1")
	require.Equal(t, 1, h.pending(t))

	require.NoError(t, os.WriteFile(path, []byte("identity:\n  user_id: u2\nsync:\n  interval: 30m\n  max_retries: 7\n"), 0o600))

	assert.Eventually(t, func() bool {
		return h.engine.Identity() == "u2" && h.engine.Config().MaxRetries == 7
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 30*time.Minute, h.engine.Config().Interval)
	assert.True(t, h.engine.Config().AutoSync)
	assert.Equal(t, 0, h.pending(t))
}

func TestDaemon_ServesDashboard(t *testing.T) {
	h := newHarness(t)
	d, err := New(h.engine, h.poller, Config{
		Identity:      "u1",
		Sync:          syncConfig(),
		DashboardAddr: "127.0.0.1:0",
		Logger:        logging.Discard(),
	})
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(func() { _ = d.Stop() })

	addr := d.DashboardAddr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st engine.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.True(t, st.Online)
	assert.True(t, st.AutoSync)
}
