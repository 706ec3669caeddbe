package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultDataDir, cfg.DataDir)
	assert.Equal(t, DefaultSweepInterval, cfg.Lifecycle.SweepInterval.Std())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statlake.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9090"
service: checkout
queue:
  capacity: 500
  flush_interval: 2s
lifecycle:
  compress_after: 168h
  retain_for: 2160h
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "checkout", cfg.Service)
	assert.Equal(t, 500, cfg.Queue.Capacity)
	assert.Equal(t, 2*time.Second, cfg.Queue.FlushInterval.Std())
	assert.Equal(t, 168*time.Hour, cfg.Lifecycle.CompressAfter.Std())
	assert.Equal(t, 2160*time.Hour, cfg.Lifecycle.RetainFor.Std())
	// Untouched fields keep their defaults.
	assert.Equal(t, DefaultDataDir, cfg.DataDir)
}

func TestDurationAcceptsIntegerSeconds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statlake.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  flush_interval: 30\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Queue.FlushInterval.Std())
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statlake.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":9090\"\n"), 0o644))

	t.Setenv("STATLAKE_LISTEN_ADDR", ":7070")
	t.Setenv("STATLAKE_QUEUE_CAPACITY", "123")
	t.Setenv("STATLAKE_FLUSH_INTERVAL", "5s")
	t.Setenv("STATLAKE_STORE_IN_MEMORY", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, 123, cfg.Queue.Capacity)
	assert.Equal(t, 5*time.Second, cfg.Queue.FlushInterval.Std())
	assert.True(t, cfg.Store.InMemory)
}

func TestLoadRejectsBadFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: [oops\n"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}
