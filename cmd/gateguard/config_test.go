package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/gateguard/pkg/config/xlimits"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 50_000, cfg.Audit.Capacity)
	assert.Equal(t, 2000, cfg.Audit.BatchSize)
	assert.Equal(t, xlimits.RefreshFixed, cfg.Limits.Refresh.Mode)
}

func TestLoadConfigMergesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9090"
trusted_proxies: ["10.0.0.0/8"]
redis:
  addr: "localhost:6379"
limits:
  refresh:
    mode: calendar
    run_at: "03:30"
audit:
  batch_size: 500
`), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.TrustedProxies)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, xlimits.RefreshCalendar, cfg.Limits.Refresh.Mode)
	assert.Equal(t, "03:30", cfg.Limits.Refresh.RunAt)
	assert.Equal(t, 500, cfg.Audit.BatchSize)
	// 未写的字段保持默认。
	assert.Equal(t, 50_000, cfg.Audit.Capacity)
	assert.Equal(t, 10*time.Second, cfg.ShutdownGrace)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [broken"), 0o600))
	_, err = loadConfig(path)
	assert.Error(t, err)
}
