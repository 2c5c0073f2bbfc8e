package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(filename, []byte(body), 0o644))
	return filename
}

func TestLoadOverDefaults(t *testing.T) {
	filename := writeConfig(t, `
origin: http://localhost:5173
version: v3
precache:
  - /
  - /index.html
sync:
  maxAttempts: 5
fallbacks:
  appName: Journal
expiration:
  images:
    maxAge: 24h
`)
	cfg, err := Load(filename)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "http://localhost:5173", cfg.Origin)
	require.Equal(t, "v3", cfg.Version)
	require.Equal(t, []string{"/", "/index.html"}, cfg.Precache)
	require.Equal(t, 5, cfg.Sync.MaxAttempts)
	// untouched values keep their defaults
	require.Equal(t, "@every 30s", cfg.Sync.RetrySpec)
	require.Equal(t, "/.offline", cfg.ControlPrefix)
	require.Equal(t, "Journal", cfg.Fallbacks.AppName)
	require.Equal(t, "JBCS", cfg.Fallbacks.ShortName)
	require.Equal(t, "http://localhost:5173/api/entries", cfg.SyncEndpoint())
	require.Equal(t, 24*time.Hour, cfg.Expiration.Images.MaxAge)
	require.Equal(t, 60, cfg.Expiration.Images.MaxEntries)
	require.Equal(t, 200, cfg.Expiration.Assets.MaxEntries)
}

func TestEnvOverrides(t *testing.T) {
	filename := writeConfig(t, "origin: http://localhost:5173\n")
	t.Setenv("OFFLINE_CACHE_VERSION", "v9")
	t.Setenv("OFFLINE_CACHE_PORT", "9090")
	t.Setenv("OFFLINE_CACHE_SYNC_ENDPOINT", "http://collector.local/entries")
	t.Setenv("OFFLINE_CACHE_DB", "memory")
	t.Setenv("OFFLINE_CACHE_EXPIRATION_ASSETS_MAX_ENTRIES", "50")
	t.Setenv("OFFLINE_CACHE_TRACING_ENDPOINT", "http://localhost:4318")

	cfg, err := Load(filename)
	require.NoError(t, err)
	require.Equal(t, "v9", cfg.Version)
	require.Equal(t, 9090, cfg.Port)
	require.Equal(t, "http://collector.local/entries", cfg.SyncEndpoint())
	require.Equal(t, "", cfg.DBFilename())
	require.Equal(t, 50, cfg.Expiration.Assets.MaxEntries)
	require.Equal(t, "http://localhost:4318", cfg.Tracing.Endpoint)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate(), "origin is required")

	cfg.Origin = "http://localhost:5173"
	require.NoError(t, cfg.Validate())

	cfg.GenericStrategy = "network-only"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Origin = "http://localhost:5173"
	cfg.Expiration.Images.MaxEntries = -1
	require.Error(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
}
