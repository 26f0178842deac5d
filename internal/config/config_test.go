package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("Should apply defaults when the file is missing", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)

		assert.Equal(t, "http://127.0.0.1:8000", cfg.Server.BaseURL)
		assert.Equal(t, 15*time.Second, cfg.HeartbeatTimeout())
		assert.Equal(t, 5*time.Second, cfg.ReconnectDelay())
		assert.Equal(t, 3*time.Second, cfg.RemovalDelay())
		assert.InDelta(t, 0.05, cfg.EtaThreshold(), 1e-9)
		assert.Equal(t, 7*24*time.Hour, cfg.IPCacheTTL())
		assert.Equal(t, 100, cfg.IPLookup.Capacity)
		assert.Equal(t, 50, cfg.Notify.MaxRecords)
		assert.Equal(t, 90, cfg.Database.HistoryRetentionDays)
	})

	t.Run("Should read overrides from a YAML file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
server:
  base_url: https://panel.example.com
stream:
  heartbeat_timeout_ms: 20000
progress:
  eta_threshold_pct: 2
`), 0644))

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "https://panel.example.com", cfg.Server.BaseURL)
		assert.Equal(t, 20*time.Second, cfg.HeartbeatTimeout())
		assert.InDelta(t, 0.02, cfg.EtaThreshold(), 1e-9)
		// Untouched sections keep their defaults
		assert.Equal(t, 5*time.Second, cfg.ReconnectDelay())
	})

	t.Run("Should reject malformed YAML", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server: [not: a map"), 0644))

		_, err := Load(path)
		assert.Error(t, err)
	})
}
