package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mindjournal/syncd/internal/logging"
	"github.com/mindjournal/syncd/internal/store/schema"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "syncd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Chdir(t.TempDir())

	cfg, _, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.Sync.AutoSync)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, 30*24*time.Hour, cfg.Sync.Lookback)
	assert.Equal(t, 7*24*time.Hour, cfg.DeadLetter.MaxAge)
	assert.Equal(t, 8787, cfg.Dashboard.Port)
	assert.Empty(t, cfg.File)

	collections, err := cfg.Collections()
	require.NoError(t, err)
	assert.Equal(t, schema.DefaultCollections(), collections)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
sync:
  interval: 30s
  max_retries: 5
  collections: [moods, "chat:coach"]
remote:
  url: https://api.example.test/
identity:
  user_id: u-file
`)
	t.Setenv("SYNCD_IDENTITY_USER_ID", "u-env")
	t.Setenv("SYNCD_SYNC_BATCH_SIZE", "7")

	cfg, _, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.File)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.Equal(t, 7, cfg.Sync.BatchSize)
	assert.Equal(t, "u-env", cfg.Identity.UserID)
	assert.Equal(t, "https://api.example.test/health", cfg.Connectivity.ProbeURL)

	ec, err := cfg.Engine()
	require.NoError(t, err)
	assert.Equal(t, []schema.Collection{schema.Moods, schema.ChatCollection("coach")}, ec.Collections)
	assert.Equal(t, 5, ec.MaxRetries)
	assert.Equal(t, 200, ec.DeadLetter.MaxPerCollection)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"zero retries", "sync:\n  max_retries: 0\n", "max_retries"},
		{"bad collection", "sync:\n  collections: [moods, notes]\n", "notes"},
		{"bad port", "dashboard:\n  port: 70000\n", "dashboard.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.body)
			_, _, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestWrite_RedactsToken(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "remote:\n  token: s3cret\n")
	_, v, err := Load(path)
	require.NoError(t, err)
	settings := Settings(v)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, settings, "yaml"))
	assert.NotContains(t, buf.String(), "s3cret")
	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Contains(t, decoded, "sync")

	buf.Reset()
	require.NoError(t, Write(&buf, settings, "toml"))
	assert.NotContains(t, buf.String(), "s3cret")
	_, err = toml.Decode(buf.String(), &decoded)
	require.NoError(t, err)

	assert.Error(t, Write(&buf, settings, "ini"))
	assert.Contains(t, strings.Join(Keys(v), ","), "sync.max_retries")
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "sync:\n  interval: 60s\n")

	w, err := NewWatcher(path, 20*time.Millisecond, logging.Discard())
	require.NoError(t, err)

	var mu sync.Mutex
	var got []*Config
	require.NoError(t, w.Start(func(cfg *Config) {
		mu.Lock()
		got = append(got, cfg)
		mu.Unlock()
	}))
	t.Cleanup(func() { _ = w.Stop() })
	assert.True(t, w.IsRunning())
	assert.Error(t, w.Start(nil))

	// Invalid edits are ignored.
	writeConfig(t, dir, "sync:\n  max_retries: 0\n")
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, "sync:\n  interval: 5s\n")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1].Sync.Interval == 5*time.Second
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
	require.NoError(t, w.Stop())
}

func TestNewWatcher_RequiresPath(t *testing.T) {
	_, err := NewWatcher("", 0, nil)
	assert.Error(t, err)
}
