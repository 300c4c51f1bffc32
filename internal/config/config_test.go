package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rcerrors "github.com/docforge/rescache/pkg/errors"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	assert.Equal(t, int64(50_000_000), cfg.Cache.MaxCacheSize.Int64())
	assert.Equal(t, 100, cfg.Cache.MaxCacheItems)
	assert.Equal(t, 50, cfg.Loader.VisibilityMarginPx)
	assert.Equal(t, 30*time.Second, cfg.Report.ReportInterval)
	assert.Equal(t, 10*time.Second, cfg.Monitor.MemoryCheckInterval)
	assert.Equal(t, time.Minute, cfg.Cache.TTLSweepInterval)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 0.8, cfg.Monitor.UsageThreshold)
	assert.Equal(t, int64(4<<30), cfg.Monitor.LowMemoryDeviceBytes.Int64())
	assert.False(t, cfg.Report.Forward)

	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rescache.yaml")
	content := `
global:
  log_level: DEBUG
cache:
  max_cache_size_bytes: 20MB
  max_cache_items: 42
loader:
  lazy_load_margin_px: 120
report:
  forward: true
  report_interval: 15s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromFile(path))

	assert.Equal(t, "DEBUG", cfg.Global.LogLevel)
	assert.Equal(t, int64(20<<20), cfg.Cache.MaxCacheSize.Int64())
	assert.Equal(t, 42, cfg.Cache.MaxCacheItems)
	assert.Equal(t, 120, cfg.Loader.VisibilityMarginPx)
	assert.True(t, cfg.Report.Forward)
	assert.Equal(t, 15*time.Second, cfg.Report.ReportInterval)
	// untouched sections keep defaults
	assert.Equal(t, 10*time.Second, cfg.Monitor.MemoryCheckInterval)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFileErrors(t *testing.T) {
	cfg := NewDefault()
	err := cfg.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, rcerrors.HasCode(err, rcerrors.ErrCodeConfigLoad))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache: [unterminated"), 0600))
	err = cfg.LoadFromFile(path)
	require.Error(t, err)
	assert.True(t, rcerrors.HasCode(err, rcerrors.ErrCodeConfigLoad))
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "rescache.yaml")

	cfg := NewDefault()
	cfg.Cache.MaxCacheItems = 7
	cfg.Storage.Bucket = "reports"
	require.NoError(t, cfg.SaveToFile(path))

	loaded := NewDefault()
	require.NoError(t, loaded.LoadFromFile(path))
	assert.Equal(t, 7, loaded.Cache.MaxCacheItems)
	assert.Equal(t, "reports", loaded.Storage.Bucket)
	assert.Equal(t, cfg.Cache.MaxCacheSize, loaded.Cache.MaxCacheSize)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("RESCACHE_LOG_LEVEL", "WARN")
	t.Setenv("RESCACHE_MAX_CACHE_SIZE", "1MB")
	t.Setenv("RESCACHE_MAX_CACHE_ITEMS", "12")
	t.Setenv("RESCACHE_REPORT_INTERVAL", "45s")
	t.Setenv("RESCACHE_FORWARD_REPORTS", "true")
	t.Setenv("RESCACHE_S3_BUCKET", "telemetry")

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "WARN", cfg.Global.LogLevel)
	assert.Equal(t, int64(1<<20), cfg.Cache.MaxCacheSize.Int64())
	assert.Equal(t, 12, cfg.Cache.MaxCacheItems)
	assert.Equal(t, 45*time.Second, cfg.Report.ReportInterval)
	assert.True(t, cfg.Report.Forward)
	assert.Equal(t, "telemetry", cfg.Storage.Bucket)
}

func TestLoadFromEnvInvalid(t *testing.T) {
	t.Setenv("RESCACHE_MAX_CACHE_ITEMS", "lots")

	err := NewDefault().LoadFromEnv()
	require.Error(t, err)
	assert.True(t, rcerrors.HasCode(err, rcerrors.ErrCodeInvalidConfig))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Configuration)
	}{
		{"log level", func(c *Configuration) { c.Global.LogLevel = "LOUD" }},
		{"log format", func(c *Configuration) { c.Global.LogFormat = "xml" }},
		{"cache size", func(c *Configuration) { c.Cache.MaxCacheSize = 0 }},
		{"cache items", func(c *Configuration) { c.Cache.MaxCacheItems = 0 }},
		{"ttl", func(c *Configuration) { c.Cache.DefaultTTL = 0 }},
		{"priority", func(c *Configuration) { c.Cache.DefaultPriority = -1 }},
		{"sweep interval", func(c *Configuration) { c.Cache.TTLSweepInterval = 0 }},
		{"memory interval", func(c *Configuration) { c.Monitor.MemoryCheckInterval = 0 }},
		{"threshold", func(c *Configuration) { c.Monitor.UsageThreshold = 1.5 }},
		{"samples", func(c *Configuration) { c.Monitor.MaxSamples = 0 }},
		{"margin", func(c *Configuration) { c.Loader.VisibilityMarginPx = -1 }},
		{"report interval", func(c *Configuration) { c.Report.ReportInterval = 0 }},
		{"memory window", func(c *Configuration) { c.Report.MemoryWindow = 0 }},
		{"marker ttl", func(c *Configuration) { c.Prefetch.MarkerTTL = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, rcerrors.HasCode(err, rcerrors.ErrCodeConfigValidation))
		})
	}
}

func TestLimitsEnterLowMemory(t *testing.T) {
	limits := NewLimits(NewDefault())

	before := limits.Snapshot()
	assert.False(t, before.LowMemory)
	assert.Equal(t, int64(50_000_000), before.MaxCacheSizeBytes)

	assert.True(t, limits.EnterLowMemory())
	once := limits.Snapshot()

	assert.False(t, limits.EnterLowMemory())
	twice := limits.Snapshot()

	assert.Equal(t, once, twice)
	assert.Equal(t, LimitValues{
		MaxCacheSizeBytes:   10 << 20,
		MaxCacheItems:       20,
		MemoryCheckInterval: 5 * time.Second,
		ReportInterval:      60 * time.Second,
		LowMemory:           true,
	}, twice)
	assert.True(t, limits.LowMemory())
}
