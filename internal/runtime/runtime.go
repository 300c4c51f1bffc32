// Package runtime wires the cache, the memory monitor, the loader, the
// prefetch coordinator and the telemetry pipeline into one unit with a
// single Start/Stop lifecycle.
package runtime

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/docforge/rescache/internal/cache"
	"github.com/docforge/rescache/internal/cleanup"
	"github.com/docforge/rescache/internal/config"
	"github.com/docforge/rescache/internal/loader"
	"github.com/docforge/rescache/internal/memmon"
	"github.com/docforge/rescache/internal/metrics"
	"github.com/docforge/rescache/internal/prefetch"
	"github.com/docforge/rescache/internal/report"
	"github.com/docforge/rescache/internal/storage/s3"
	rcerrors "github.com/docforge/rescache/pkg/errors"
	"github.com/docforge/rescache/pkg/health"
	"github.com/docforge/rescache/pkg/retry"
	"github.com/docforge/rescache/pkg/utils"
)

// DefaultSinkCooldown is how long a failing analytics sink is skipped.
const DefaultSinkCooldown = 5 * time.Minute

type options struct {
	sampler    memmon.Sampler
	hasSampler bool
	fetcher    loader.Fetcher
	host       loader.Host
	prefetcher prefetch.Prefetcher
	sink       report.AnalyticsSink
	logger     *utils.StructuredLogger
	registry   *prometheus.Registry
	content    *s3.Store
}

// Option customises a Runtime.
type Option func(*options)

// WithSampler replaces the Go runtime memory sampler. A nil sampler
// disables memory monitoring.
func WithSampler(s memmon.Sampler) Option {
	return func(o *options) {
		o.sampler = s
		o.hasSampler = true
	}
}

// WithFetcher sets the loader's content fetcher.
func WithFetcher(f loader.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithHost sets the UI boundary the loader attaches content to.
func WithHost(h loader.Host) Option {
	return func(o *options) { o.host = h }
}

// WithPrefetcher sets the prefetch action.
func WithPrefetcher(p prefetch.Prefetcher) Option {
	return func(o *options) { o.prefetcher = p }
}

// WithAnalyticsSink sets where forwarded reports go.
func WithAnalyticsSink(s report.AnalyticsSink) Option {
	return func(o *options) { o.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *utils.StructuredLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry registers metrics in r instead of a private registry.
func WithRegistry(r *prometheus.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithContentStore uses an existing S3 content store instead of building
// one from the storage configuration.
func WithContentStore(s *s3.Store) Option {
	return func(o *options) { o.content = s }
}

// Runtime owns every component and the limits they share.
type Runtime struct {
	config *config.Configuration
	limits *config.Limits
	logger *utils.StructuredLogger

	store      *cache.Store
	sweeper    *cache.Sweeper
	aggregator *metrics.Aggregator
	collector  *metrics.Collector
	monitor    *memmon.Monitor
	cleanup    *cleanup.Coordinator
	loader     *loader.Loader
	prefetch   *prefetch.Coordinator
	reports    *report.Generator
	content    *s3.Store
	health     *health.Tracker

	unsubscribe func()

	mu      sync.Mutex
	started bool
}

// New validates cfg and builds a runtime. A nil cfg uses the defaults.
func New(cfg *config.Configuration, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = newLogger(cfg.Global)
		if err != nil {
			return nil, err
		}
	}

	r := &Runtime{
		config: cfg,
		limits: config.NewLimits(cfg),
		logger: logger.WithComponent("runtime"),
	}

	r.aggregator = metrics.NewAggregator(nil)

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:  cfg.Global.MetricsEnabled,
		Address:  cfg.Global.MetricsAddress,
		Path:     cfg.Global.MetricsPath,
		Registry: o.registry,
		Logger:   logger,
	})
	if err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.ErrCodeInternalError, "failed to create metrics collector").
			WithComponent("runtime")
	}
	collector.SetSummarySource(r.aggregator.Summaries)
	r.collector = collector

	r.health = health.NewTracker(health.DefaultConfig())
	for _, name := range []string{ComponentLoader, ComponentAnalyticsSink, ComponentMemoryMonitor} {
		r.health.RegisterComponent(name)
	}
	r.health.OnStateChange(func(component string, from, to health.State) {
		r.logger.Warn("Component health changed", map[string]interface{}{
			"health_component": component,
			"from":             from.String(),
			"to":               to.String(),
		})
	})
	collector.SetHealthSource(func() (bool, interface{}) {
		status := r.health.Status()
		return status.State != health.StateUnavailable, status
	})
	observer := telemetry{collector: collector, health: r.health}

	r.store = cache.NewStore(r.limits, &cache.StoreConfig{
		DefaultTTL:      cfg.Cache.DefaultTTL,
		DefaultPriority: cfg.Cache.DefaultPriority,
		Observer:        collector,
		Logger:          logger,
	})
	r.sweeper = cache.NewSweeper(r.store, cfg.Cache.TTLSweepInterval, logger)

	r.cleanup = cleanup.NewCoordinator(r.limits, r.store, r.aggregator, &cleanup.Config{
		Observer: collector,
		Logger:   logger,
	})

	sampler := o.sampler
	if !o.hasSampler {
		sampler = memmon.NewRuntimeSampler()
	}
	if !cfg.Monitor.Enabled {
		sampler = nil
	}
	r.monitor = memmon.NewMonitor(sampler, r.limits, r.aggregator, r.cleanup, memmon.MonitorConfig{
		UsageThreshold:       cfg.Monitor.UsageThreshold,
		MaxSamples:           cfg.Monitor.MaxSamples,
		LowMemoryDeviceBytes: uint64(cfg.Monitor.LowMemoryDeviceBytes.Int64()),
		ForceLowMemory:       cfg.Monitor.ForceLowMemory,
		OnSample: func(s memmon.MemorySample) {
			collector.SetMemoryUsage(s.UsagePercent())
		},
		OnDisable: func() {
			r.health.SetState(ComponentMemoryMonitor, health.StateDegraded, "memory introspection unavailable")
		},
		Logger: logger,
	})

	r.content = o.content
	if r.content == nil && cfg.Storage.Bucket != "" {
		r.content, err = s3.NewStore(context.Background(), storeConfig(cfg.Storage))
		if err != nil {
			return nil, err
		}
	}

	fetcher := o.fetcher
	if fetcher == nil {
		if r.content != nil {
			fetcher = r.content
		} else {
			fetcher = loader.NewHTTPFetcher(cfg.Loader.LoadTimeout)
		}
	}
	fetchRetry := retry.DefaultConfig()
	fetchRetry.MaxAttempts = cfg.Loader.FetchAttempts
	r.loader = loader.New(&loader.Config{
		MarginPx:    float64(cfg.Loader.VisibilityMarginPx),
		Retry:       retry.New(fetchRetry),
		LoadTimeout: cfg.Loader.LoadTimeout,
		CacheTTL:    cfg.Loader.CacheTTL,
		Host:        o.host,
		Fetcher:     fetcher,
		Cache:       r.store,
		Recorder:    r.aggregator,
		Observer:    observer,
		Logger:      logger,
	})
	// Settled placeholders hold no payload worth keeping after a cleanup.
	r.unsubscribe = r.cleanup.OnCleanup(func() { r.loader.PruneSettled() })

	prefetcher := o.prefetcher
	if prefetcher == nil && r.content != nil {
		prefetcher = r.content
	}
	if !cfg.Prefetch.Enabled {
		prefetcher = nil
	}
	r.prefetch = prefetch.NewCoordinator(r.store, &prefetch.Config{
		MarkerTTL:   cfg.Prefetch.MarkerTTL,
		HintTimeout: cfg.Prefetch.HintTimeout,
		Prefetcher:  prefetcher,
		Recorder:    r.aggregator,
		Observer:    collector,
		Logger:      logger,
	})

	sink := o.sink
	if sink == nil && r.content != nil {
		sink = report.NewBreakerSink(report.NewS3Sink(r.content, cfg.Report.SinkPrefix), DefaultSinkCooldown)
	}
	r.reports = report.NewGenerator(r.limits, r.aggregator, r.store, r.monitor, &report.Config{
		Forward:      cfg.Report.Forward,
		MemoryWindow: cfg.Report.MemoryWindow,
		Sink:         sink,
		Observer:     observer,
		Logger:       logger,
	})

	return r, nil
}

func newLogger(cfg config.GlobalConfig) (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.ErrCodeInvalidConfig, "invalid log level").
			WithDetail("log_level", cfg.LogLevel)
	}
	format, err := utils.ParseLogFormat(cfg.LogFormat)
	if err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.ErrCodeInvalidConfig, "invalid log format").
			WithDetail("log_format", cfg.LogFormat)
	}
	return utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:  level,
		Output: os.Stderr,
		Format: format,
	})
}

func storeConfig(cfg config.StorageConfig) *s3.Config {
	return &s3.Config{
		Bucket:                      cfg.Bucket,
		Region:                      cfg.Region,
		Endpoint:                    cfg.Endpoint,
		AccessKeyID:                 cfg.AccessKeyID,
		SecretAccessKey:             cfg.SecretAccessKey,
		SessionToken:                cfg.SessionToken,
		ForcePathStyle:              cfg.ForcePathStyle,
		MaxRetries:                  cfg.MaxRetries,
		RequestTimeout:              cfg.RequestTimeout,
		EnableCargoShipOptimization: cfg.EnableCargoShipOptimization,
		Logger:                      slog.Default(),
	}
}

// Start starts the periodic tasks and the metrics endpoint.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return rcerrors.NewError(rcerrors.ErrCodeAlreadyStarted, "runtime already started").
			WithComponent("runtime")
	}

	if err := r.collector.Start(ctx); err != nil {
		return err
	}
	if err := r.sweeper.Start(ctx); err != nil {
		return err
	}
	if err := r.monitor.Start(ctx); err != nil {
		return err
	}
	if r.config.Report.Enabled {
		if err := r.reports.Start(ctx); err != nil {
			return err
		}
	}

	r.started = true
	r.logger.Info("Runtime started", map[string]interface{}{
		"max_cache_size":  utils.FormatBytes(r.limits.Snapshot().MaxCacheSizeBytes),
		"max_cache_items": r.limits.Snapshot().MaxCacheItems,
		"low_memory":      r.limits.LowMemory(),
		"memory_monitor":  r.monitor.Enabled(),
	})
	return nil
}

// Stop stops the periodic tasks, waits for in-flight loads and prefetch
// actions, then shuts down the metrics endpoint.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil
	}
	r.started = false

	_ = r.reports.Stop()
	_ = r.monitor.Stop()
	_ = r.sweeper.Stop()
	r.loader.Wait()
	r.prefetch.Wait()

	if err := r.collector.Stop(ctx); err != nil {
		return err
	}
	r.logger.Info("Runtime stopped", nil)
	return nil
}

// Close stops the runtime and detaches internal subscriptions.
func (r *Runtime) Close(ctx context.Context) error {
	err := r.Stop(ctx)
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	return err
}

// Cache returns the cache store.
func (r *Runtime) Cache() *cache.Store { return r.store }

// Loader returns the lazy content loader.
func (r *Runtime) Loader() *loader.Loader { return r.loader }

// Prefetch returns the prefetch coordinator.
func (r *Runtime) Prefetch() *prefetch.Coordinator { return r.prefetch }

// Metrics returns the metrics aggregator.
func (r *Runtime) Metrics() *metrics.Aggregator { return r.aggregator }

// Collector returns the Prometheus collector.
func (r *Runtime) Collector() *metrics.Collector { return r.collector }

// Reports returns the report generator.
func (r *Runtime) Reports() *report.Generator { return r.reports }

// Cleanup returns the cleanup coordinator.
func (r *Runtime) Cleanup() *cleanup.Coordinator { return r.cleanup }

// Monitor returns the memory monitor.
func (r *Runtime) Monitor() *memmon.Monitor { return r.monitor }

// Health returns the component health tracker.
func (r *Runtime) Health() *health.Tracker { return r.health }

// Limits returns the shared adaptive limits.
func (r *Runtime) Limits() *config.Limits { return r.limits }

// Content returns the S3 content store, or nil when none is configured.
func (r *Runtime) Content() *s3.Store { return r.content }
