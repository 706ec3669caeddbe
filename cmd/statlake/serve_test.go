package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/statlake/statlake/pkg/config"
	"github.com/statlake/statlake/pkg/rollup"
)

func TestStoreConfigFromAppConfig(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = "/var/lib/statlake"
	cfg.Store.InMemory = true
	cfg.Store.MaxMemoryMB = 256

	bc := storeConfig(cfg)
	require.Equal(t, filepath.Join("/var/lib/statlake", "events"), bc.Path)
	require.True(t, bc.InMemory)
	require.Equal(t, int64(256), bc.MaxMemoryMB)
}

func TestCatalogPathEnvOverride(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = "/data"
	require.Equal(t, filepath.Join("/data", "catalog.db"), catalogPath(cfg))

	t.Setenv("STATLAKE_CATALOG", "/srv/catalog.db")
	require.Equal(t, "/srv/catalog.db", catalogPath(cfg))
}

func TestMaxLookbackPicksWidestDefinition(t *testing.T) {
	defs := rollup.Shipped()
	require.Equal(t, 72*time.Hour, maxLookback(defs))
}
