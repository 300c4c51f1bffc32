// Package prefetch turns hover and intent signals into at most one prefetch
// hint per resource per marker TTL.
package prefetch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/docforge/rescache/internal/cache"
	"github.com/docforge/rescache/pkg/utils"
)

const (
	// KeyPrefix derives the marker key from a resource id.
	KeyPrefix = "prefetch-"

	// MetricType is the aggregator type prefetch decisions are recorded under.
	MetricType = "prefetch"

	DefaultMarkerTTL   = 5 * time.Minute
	DefaultHintTimeout = 10 * time.Second
	markerPriority     = 1.0
)

// Prefetcher performs the speculative work for a resource.
type Prefetcher interface {
	Hint(ctx context.Context, resourceID string) error
}

// PrefetcherFunc adapts a function to Prefetcher.
type PrefetcherFunc func(ctx context.Context, resourceID string) error

// Hint implements Prefetcher.
func (f PrefetcherFunc) Hint(ctx context.Context, resourceID string) error {
	return f(ctx, resourceID)
}

// Cache is where dedup markers live.
type Cache interface {
	Get(key string) (interface{}, bool)
	Put(key string, payload interface{}, opts ...cache.PutOption) error
}

// Recorder receives a metric sample per decision.
type Recorder interface {
	Record(metricType string, data map[string]interface{})
}

// Observer is told whether each request fired or was deduplicated.
type Observer interface {
	RecordPrefetch(fired bool)
}

// Config represents prefetch coordinator configuration
type Config struct {
	MarkerTTL   time.Duration
	HintTimeout time.Duration
	Prefetcher  Prefetcher
	Recorder    Recorder
	Observer    Observer
	Logger      *utils.StructuredLogger
}

// Coordinator deduplicates prefetch requests through cache markers.
type Coordinator struct {
	cache  Cache
	config Config
	logger *utils.StructuredLogger
	group  singleflight.Group
	wg     sync.WaitGroup
}

// NewCoordinator creates a prefetch coordinator backed by c.
func NewCoordinator(c Cache, cfg *Config) *Coordinator {
	conf := Config{}
	if cfg != nil {
		conf = *cfg
	}
	if conf.MarkerTTL <= 0 {
		conf.MarkerTTL = DefaultMarkerTTL
	}
	if conf.HintTimeout <= 0 {
		conf.HintTimeout = DefaultHintTimeout
	}
	if conf.Logger == nil {
		conf.Logger = utils.NewNopLogger()
	}
	return &Coordinator{
		cache:  c,
		config: conf,
		logger: conf.Logger.WithComponent("prefetch"),
	}
}

// Key returns the marker key for a resource.
func Key(resourceID string) string {
	return KeyPrefix + resourceID
}

// MaybePrefetch fires the prefetch hint unless a marker for resourceID is
// already cached. Concurrent callers for one id share a single decision and
// all receive its result. The hint runs in the background; its errors are
// logged, never returned.
func (c *Coordinator) MaybePrefetch(ctx context.Context, resourceID string) bool {
	v, _, _ := c.group.Do(resourceID, func() (interface{}, error) {
		return c.decide(ctx, resourceID), nil
	})
	return v.(bool)
}

// Wait blocks until all background hints have finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) decide(ctx context.Context, resourceID string) bool {
	key := Key(resourceID)
	if _, ok := c.cache.Get(key); ok {
		c.record(resourceID, false)
		return false
	}

	if err := c.cache.Put(key, true, cache.WithTTL(c.config.MarkerTTL), cache.WithPriority(markerPriority)); err != nil {
		c.logger.Warn("Failed to store prefetch marker", map[string]interface{}{
			"resource": resourceID,
			"error":    err.Error(),
		})
	}
	c.record(resourceID, true)

	if c.config.Prefetcher != nil {
		c.wg.Add(1)
		go c.hint(context.WithoutCancel(ctx), resourceID)
	}
	return true
}

func (c *Coordinator) hint(ctx context.Context, resourceID string) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Prefetch hint panicked", map[string]interface{}{
				"resource": resourceID,
				"panic":    r,
			})
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.config.HintTimeout)
	defer cancel()

	if err := c.config.Prefetcher.Hint(ctx, resourceID); err != nil {
		c.logger.Debug("Prefetch hint failed", map[string]interface{}{
			"resource": resourceID,
			"error":    err.Error(),
		})
	}
}

func (c *Coordinator) record(resourceID string, fired bool) {
	if c.config.Recorder != nil {
		c.config.Recorder.Record(MetricType, map[string]interface{}{
			"resource": resourceID,
			"fired":    fired,
		})
	}
	if c.config.Observer != nil {
		c.config.Observer.RecordPrefetch(fired)
	}
}
