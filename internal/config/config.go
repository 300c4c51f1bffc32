package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	rcerrors "github.com/docforge/rescache/pkg/errors"
	"github.com/docforge/rescache/pkg/utils"
)

// Configuration represents the complete runtime configuration
type Configuration struct {
	Global   GlobalConfig   `yaml:"global"`
	Cache    CacheConfig    `yaml:"cache"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Loader   LoaderConfig   `yaml:"loader"`
	Prefetch PrefetchConfig `yaml:"prefetch"`
	Report   ReportConfig   `yaml:"report"`
	Storage  StorageConfig  `yaml:"storage"`
}

// GlobalConfig represents process-wide settings
type GlobalConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsAddress string `yaml:"metrics_address"`
	MetricsPath    string `yaml:"metrics_path"`
}

// CacheConfig represents cache store settings
type CacheConfig struct {
	MaxCacheSize     ByteSize      `yaml:"max_cache_size_bytes"`
	MaxCacheItems    int           `yaml:"max_cache_items"`
	DefaultTTL       time.Duration `yaml:"default_ttl"`
	DefaultPriority  float64       `yaml:"default_priority"`
	TTLSweepInterval time.Duration `yaml:"ttl_sweep_interval"`
}

// MonitorConfig represents memory monitor settings
type MonitorConfig struct {
	Enabled              bool          `yaml:"enabled"`
	MemoryCheckInterval  time.Duration `yaml:"memory_check_interval"`
	UsageThreshold       float64       `yaml:"usage_threshold"`
	MaxSamples           int           `yaml:"max_samples"`
	LowMemoryDeviceBytes ByteSize      `yaml:"low_memory_device_bytes"`
	ForceLowMemory       bool          `yaml:"force_low_memory"`
}

// LoaderConfig represents lazy content loader settings
type LoaderConfig struct {
	VisibilityMarginPx int           `yaml:"lazy_load_margin_px"`
	LoadTimeout        time.Duration `yaml:"load_timeout"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
	FetchAttempts      int           `yaml:"fetch_attempts"`
}

// PrefetchConfig represents prefetch coordinator settings
type PrefetchConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MarkerTTL   time.Duration `yaml:"marker_ttl"`
	HintTimeout time.Duration `yaml:"hint_timeout"`
}

// ReportConfig represents report generator settings
type ReportConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ReportInterval time.Duration `yaml:"report_interval"`
	Forward        bool          `yaml:"forward"`
	SinkPrefix     string        `yaml:"sink_prefix"`
	MemoryWindow   int           `yaml:"memory_window"`
}

// StorageConfig represents the S3 content store used by the loader, the
// prefetch hints and the S3 report sink. An empty bucket disables it.
type StorageConfig struct {
	Bucket                      string        `yaml:"bucket"`
	Region                      string        `yaml:"region"`
	Endpoint                    string        `yaml:"endpoint"`
	AccessKeyID                 string        `yaml:"access_key_id"`
	SecretAccessKey             string        `yaml:"secret_access_key"`
	SessionToken                string        `yaml:"session_token"`
	ForcePathStyle              bool          `yaml:"force_path_style"`
	MaxRetries                  int           `yaml:"max_retries"`
	RequestTimeout              time.Duration `yaml:"request_timeout"`
	EnableCargoShipOptimization bool          `yaml:"enable_cargoship_optimization"`
}

// NewDefault returns a configuration with the documented defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:       "INFO",
			LogFormat:      "text",
			MetricsEnabled: false,
			MetricsAddress: ":9464",
			MetricsPath:    "/metrics",
		},
		Cache: CacheConfig{
			MaxCacheSize:     50_000_000,
			MaxCacheItems:    100,
			DefaultTTL:       5 * time.Minute,
			DefaultPriority:  1,
			TTLSweepInterval: time.Minute,
		},
		Monitor: MonitorConfig{
			Enabled:              true,
			MemoryCheckInterval:  10 * time.Second,
			UsageThreshold:       0.8,
			MaxSamples:           100,
			LowMemoryDeviceBytes: 4 << 30,
		},
		Loader: LoaderConfig{
			VisibilityMarginPx: 50,
			LoadTimeout:        30 * time.Second,
			CacheTTL:           5 * time.Minute,
			FetchAttempts:      3,
		},
		Prefetch: PrefetchConfig{
			Enabled:     true,
			MarkerTTL:   5 * time.Minute,
			HintTimeout: 10 * time.Second,
		},
		Report: ReportConfig{
			Enabled:        true,
			ReportInterval: 30 * time.Second,
			Forward:        false,
			SinkPrefix:     "reports",
			MemoryWindow:   10,
		},
		Storage: StorageConfig{
			Region:         "us-east-1",
			MaxRetries:     3,
			RequestTimeout: 30 * time.Second,
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the current values
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return rcerrors.Wrap(err, rcerrors.ErrCodeConfigLoad, "failed to read config file").
			WithDetail("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return rcerrors.Wrap(err, rcerrors.ErrCodeConfigLoad, "failed to parse config file").
			WithDetail("file", filename)
	}

	return nil
}

// LoadFromEnv applies RESCACHE_* environment overrides
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("RESCACHE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("RESCACHE_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("RESCACHE_METRICS_ADDRESS"); val != "" {
		c.Global.MetricsAddress = val
		c.Global.MetricsEnabled = true
	}

	if val := os.Getenv("RESCACHE_MAX_CACHE_SIZE"); val != "" {
		size, err := utils.ParseBytes(val)
		if err != nil {
			return rcerrors.Wrap(err, rcerrors.ErrCodeInvalidConfig, "invalid RESCACHE_MAX_CACHE_SIZE")
		}
		c.Cache.MaxCacheSize = ByteSize(size)
	}
	if val := os.Getenv("RESCACHE_MAX_CACHE_ITEMS"); val != "" {
		items, err := strconv.Atoi(val)
		if err != nil {
			return rcerrors.Wrap(err, rcerrors.ErrCodeInvalidConfig, "invalid RESCACHE_MAX_CACHE_ITEMS")
		}
		c.Cache.MaxCacheItems = items
	}
	if val := os.Getenv("RESCACHE_MEMORY_CHECK_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Monitor.MemoryCheckInterval = d
		}
	}
	if val := os.Getenv("RESCACHE_REPORT_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Report.ReportInterval = d
		}
	}
	if val := os.Getenv("RESCACHE_FORWARD_REPORTS"); val != "" {
		c.Report.Forward = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("RESCACHE_FORCE_LOW_MEMORY"); val != "" {
		c.Monitor.ForceLowMemory = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("RESCACHE_S3_BUCKET"); val != "" {
		c.Storage.Bucket = val
	}
	if val := os.Getenv("RESCACHE_S3_ENDPOINT"); val != "" {
		c.Storage.Endpoint = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return rcerrors.NewError(rcerrors.ErrCodeConfigValidation, fmt.Sprintf(format, args...)).
			WithComponent("config")
	}

	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("invalid log_level: %s", c.Global.LogLevel)
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		return invalid("invalid log_format: %s (must be text or json)", c.Global.LogFormat)
	}
	if c.Cache.MaxCacheSize <= 0 {
		return invalid("max_cache_size_bytes must be greater than 0")
	}
	if c.Cache.MaxCacheItems <= 0 {
		return invalid("max_cache_items must be greater than 0")
	}
	if c.Cache.DefaultTTL <= 0 {
		return invalid("default_ttl must be greater than 0")
	}
	if c.Cache.DefaultPriority <= 0 {
		return invalid("default_priority must be positive")
	}
	if c.Cache.TTLSweepInterval <= 0 {
		return invalid("ttl_sweep_interval must be greater than 0")
	}
	if c.Monitor.MemoryCheckInterval <= 0 {
		return invalid("memory_check_interval must be greater than 0")
	}
	if c.Monitor.UsageThreshold <= 0 || c.Monitor.UsageThreshold > 1 {
		return invalid("usage_threshold must be in (0, 1], got %v", c.Monitor.UsageThreshold)
	}
	if c.Monitor.MaxSamples <= 0 {
		return invalid("max_samples must be greater than 0")
	}
	if c.Loader.VisibilityMarginPx < 0 {
		return invalid("lazy_load_margin_px cannot be negative")
	}
	if c.Loader.FetchAttempts <= 0 {
		return invalid("fetch_attempts must be at least 1")
	}
	if c.Report.ReportInterval <= 0 {
		return invalid("report_interval must be greater than 0")
	}
	if c.Report.MemoryWindow <= 0 {
		return invalid("memory_window must be greater than 0")
	}
	if c.Prefetch.MarkerTTL <= 0 {
		return invalid("prefetch marker_ttl must be greater than 0")
	}

	return nil
}
