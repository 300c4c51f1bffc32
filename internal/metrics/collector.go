package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docforge/rescache/pkg/utils"
)

// Config represents metrics export configuration
type Config struct {
	Enabled   bool
	Address   string
	Path      string
	Namespace string
	// Registry is used instead of a private registry when set.
	Registry *prometheus.Registry
	Logger   *utils.StructuredLogger
}

// Collector exports runtime events as Prometheus metrics. It satisfies
// cache.Observer so the store can report to it directly.
type Collector struct {
	config   *Config
	registry *prometheus.Registry
	logger   *utils.StructuredLogger

	cacheRequests    *prometheus.CounterVec
	cacheEvictions   prometheus.Counter
	cacheExpirations prometheus.Counter
	cacheSize        prometheus.Gauge
	cacheEntries     prometheus.Gauge
	memoryUsage      prometheus.Gauge
	lowMemory        prometheus.Gauge
	loads            *prometheus.CounterVec
	loadDuration     *prometheus.HistogramVec
	prefetches       *prometheus.CounterVec
	cleanups         prometheus.Counter
	reports          *prometheus.CounterVec

	summaries func() map[string]Summary
	health    func() (ok bool, status interface{})
	server    *http.Server
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Address:   ":9464",
			Path:      "/metrics",
			Namespace: "rescache",
		}
	}
	if config.Namespace == "" {
		config.Namespace = "rescache"
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	registry := config.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	c := &Collector{
		config:   config,
		registry: registry,
		logger:   logger.WithComponent("metrics"),
	}
	c.initMetrics()

	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return c, nil
}

// Registry returns the registry the collector's metrics live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the Prometheus scrape handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// SetSummarySource makes the aggregator summaries available at /debug/metrics.
func (c *Collector) SetSummarySource(fn func() map[string]Summary) {
	c.summaries = fn
}

// SetHealthSource makes /health serve fn's status; ok=false answers 503.
func (c *Collector) SetHealthSource(fn func() (ok bool, status interface{})) {
	c.health = fn
}

// Start serves the metrics endpoint when export is enabled.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled || c.config.Address == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/metrics", c.debugMetricsHandler)

	c.server = &http.Server{
		Addr:              c.config.Address,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("Metrics server error", map[string]interface{}{
				"address": c.config.Address,
				"error":   err.Error(),
			})
		}
	}()

	c.logger.Info("Serving metrics", map[string]interface{}{
		"address": c.config.Address,
		"path":    c.config.Path,
	})
	return nil
}

// Stop shuts down the metrics endpoint.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	server := c.server
	c.server = nil
	return server.Shutdown(ctx)
}

// CacheHit implements cache.Observer.
func (c *Collector) CacheHit() {
	c.cacheRequests.WithLabelValues("hit").Inc()
}

// CacheMiss implements cache.Observer.
func (c *Collector) CacheMiss() {
	c.cacheRequests.WithLabelValues("miss").Inc()
}

// CacheEvicted implements cache.Observer.
func (c *Collector) CacheEvicted(n int) {
	c.cacheEvictions.Add(float64(n))
}

// CacheExpired implements cache.Observer.
func (c *Collector) CacheExpired(n int) {
	c.cacheExpirations.Add(float64(n))
}

// CacheSize implements cache.Observer.
func (c *Collector) CacheSize(bytes int64, entries int) {
	c.cacheSize.Set(float64(bytes))
	c.cacheEntries.Set(float64(entries))
}

// SetMemoryUsage records the latest used/limit ratio.
func (c *Collector) SetMemoryUsage(ratio float64) {
	c.memoryUsage.Set(ratio)
}

// SetLowMemory records whether low-memory mode is active.
func (c *Collector) SetLowMemory(active bool) {
	if active {
		c.lowMemory.Set(1)
		return
	}
	c.lowMemory.Set(0)
}

// RecordLoad records a finished content load.
func (c *Collector) RecordLoad(kind string, ok bool, duration time.Duration) {
	c.loads.WithLabelValues(kind, resultLabel(ok)).Inc()
	c.loadDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordPrefetch records a prefetch decision; fired is false when the
// request was deduplicated.
func (c *Collector) RecordPrefetch(fired bool) {
	if fired {
		c.prefetches.WithLabelValues("fired").Inc()
		return
	}
	c.prefetches.WithLabelValues("deduplicated").Inc()
}

// RecordCleanup records a full cleanup.
func (c *Collector) RecordCleanup() {
	c.cleanups.Inc()
}

// RecordReport records a report forwarding attempt.
func (c *Collector) RecordReport(ok bool) {
	c.reports.WithLabelValues(resultLabel(ok)).Inc()
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func (c *Collector) initMetrics() {
	ns := c.config.Namespace

	c.cacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "cache_requests_total",
		Help:      "Total number of cache lookups by result",
	}, []string{"result"})

	c.cacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "cache_evictions_total",
		Help:      "Total number of entries evicted to satisfy capacity",
	})

	c.cacheExpirations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "cache_expirations_total",
		Help:      "Total number of entries removed after their TTL",
	})

	c.cacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "cache_size_bytes",
		Help:      "Accounted size of live cache entries",
	})

	c.cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "cache_entries",
		Help:      "Number of live cache entries",
	})

	c.memoryUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "memory_usage_ratio",
		Help:      "Latest sampled memory usage as a fraction of the limit",
	})

	c.lowMemory = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "low_memory_mode",
		Help:      "1 when the reduced-capacity configuration is active",
	})

	c.loads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "loads_total",
		Help:      "Total number of content loads by kind and result",
	}, []string{"kind", "result"})

	c.loadDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "load_duration_seconds",
		Help:      "Duration of content loads in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
	}, []string{"kind"})

	c.prefetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "prefetch_requests_total",
		Help:      "Total number of prefetch requests by outcome",
	}, []string{"outcome"})

	c.cleanups = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "cleanups_total",
		Help:      "Total number of full cleanups",
	})

	c.reports = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "reports_forwarded_total",
		Help:      "Total number of report forwarding attempts by result",
	}, []string{"result"})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.cacheRequests,
		c.cacheEvictions,
		c.cacheExpirations,
		c.cacheSize,
		c.cacheEntries,
		c.memoryUsage,
		c.lowMemory,
		c.loads,
		c.loadDuration,
		c.prefetches,
		c.cleanups,
		c.reports,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if c.health == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","service":"rescache-metrics"}`))
		return
	}

	ok, status := c.health()
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		c.logger.Warn("Failed to encode health status", map[string]interface{}{"error": err.Error()})
	}
}

func (c *Collector) debugMetricsHandler(w http.ResponseWriter, r *http.Request) {
	summaries := map[string]Summary{}
	if c.summaries != nil {
		summaries = c.summaries()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(summaries); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
