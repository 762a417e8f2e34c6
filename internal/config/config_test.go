package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const controllerYAML = `
http_addr: ":18080"
db_path: /tmp/x.db
portals:
  acme:
    url: https://acme.example.com
    access_id: id
    access_key: key
collectors:
  "42": 10.0.0.5:9091
maintenance:
  tracker_ttl: 10m
`

func TestLoadController(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controller.yaml")
	require.NoError(t, os.WriteFile(path, []byte(controllerYAML), 0600))

	cfg, err := LoadController(path)
	require.NoError(t, err)

	require.Equal(t, ":18080", cfg.HTTPAddr)
	require.Equal(t, "https://acme.example.com", cfg.Portals["acme"].URL)
	require.Equal(t, "10.0.0.5:9091", cfg.Collectors["42"])
	require.Equal(t, 10*time.Minute, cfg.Maintenance.TrackerTTL)
	require.Equal(t, 7*24*time.Hour, cfg.Maintenance.HistoryRetention)
	require.Equal(t, "groovy", cfg.Snippets.Language)
	require.Equal(t, DefaultCatalogScript, cfg.Snippets.CatalogScript)
}

func TestLoadControllerEnvOverride(t *testing.T) {
	t.Setenv("SENTINEL_HTTP_ADDR", ":9999")

	cfg, err := LoadController("")
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.HTTPAddr)
	require.Equal(t, "/data/sentinel.db", cfg.DBPath)
}

func TestLoadCollector(t *testing.T) {
	t.Setenv("SENTINEL_ID", "7")

	cfg, err := LoadCollector("")
	require.NoError(t, err)
	require.Equal(t, "7", cfg.ID)
	require.Equal(t, ":9091", cfg.ListenAddr)
	require.Equal(t, []string{"groovy"}, cfg.Interpreters["groovy"])
}

func TestLoadCollectorRequiresID(t *testing.T) {
	_, err := LoadCollector("")
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadController(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
