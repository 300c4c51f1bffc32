// Package cleanup reclaims memory on demand and owns the switch to the
// reduced-capacity configuration.
package cleanup

import (
	"sync/atomic"
	"time"

	"github.com/docforge/rescache/internal/config"
	"github.com/docforge/rescache/pkg/utils"
)

// DefaultKeepSamples is how many samples per metric type survive a cleanup.
const DefaultKeepSamples = 50

// Store is the part of the cache the coordinator drives.
type Store interface {
	Clear()
	Enforce() int
}

// Trimmer truncates metric logs.
type Trimmer interface {
	Trim(n int)
}

// Observer is told about cleanups and mode changes.
type Observer interface {
	RecordCleanup()
	SetLowMemory(active bool)
}

// Config represents coordinator configuration
type Config struct {
	KeepSamples int
	Observer    Observer
	Clock       func() time.Time
	Logger      *utils.StructuredLogger
}

// Coordinator is the only writer of the shared limits.
type Coordinator struct {
	limits  *config.Limits
	store   Store
	trimmer Trimmer
	config  Config
	now     func() time.Time
	logger  *utils.StructuredLogger
	events  *bus

	cleanups uint64
}

// NewCoordinator creates a cleanup coordinator
func NewCoordinator(limits *config.Limits, store Store, trimmer Trimmer, cfg *Config) *Coordinator {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.KeepSamples <= 0 {
		c.KeepSamples = DefaultKeepSamples
	}
	if c.Logger == nil {
		c.Logger = utils.NewNopLogger()
	}
	now := c.Clock
	if now == nil {
		now = time.Now
	}
	if limits == nil {
		limits = config.NewLimits(nil)
	}

	logger := c.Logger.WithComponent("cleanup")
	return &Coordinator{
		limits:  limits,
		store:   store,
		trimmer: trimmer,
		config:  c,
		now:     now,
		logger:  logger,
		events:  &bus{logger: logger},
	}
}

// PerformCleanup clears the cache, trims metric logs and notifies subscribers.
func (c *Coordinator) PerformCleanup() {
	if c.store != nil {
		c.store.Clear()
	}
	if c.trimmer != nil {
		c.trimmer.Trim(c.config.KeepSamples)
	}
	n := atomic.AddUint64(&c.cleanups, 1)
	if c.config.Observer != nil {
		c.config.Observer.RecordCleanup()
	}

	c.logger.Info("Performed cleanup", map[string]interface{}{
		"cleanups":     n,
		"keep_samples": c.config.KeepSamples,
	})
	c.events.emit(Event{Type: EventCleanupPerformed, Timestamp: c.now()})
}

// EnableLowMemoryMode switches to the reduced-capacity limits. Repeated calls
// are no-ops; it returns true only for the call that switched.
func (c *Coordinator) EnableLowMemoryMode() bool {
	if !c.limits.EnterLowMemory() {
		return false
	}

	evicted := 0
	if c.store != nil {
		evicted = c.store.Enforce()
	}
	if c.config.Observer != nil {
		c.config.Observer.SetLowMemory(true)
	}

	limits := c.limits.Snapshot()
	c.logger.Warn("Entered low-memory mode", map[string]interface{}{
		"max_cache_size":  utils.FormatBytes(limits.MaxCacheSizeBytes),
		"max_cache_items": limits.MaxCacheItems,
		"evicted":         evicted,
	})
	c.events.emit(Event{Type: EventLowMemoryEntered, Timestamp: c.now()})
	return true
}

// Subscribe registers fn for every event. The returned func unsubscribes.
func (c *Coordinator) Subscribe(fn func(Event)) func() {
	return c.events.subscribe(fn)
}

// OnCleanup registers fn for cleanup-performed events only.
func (c *Coordinator) OnCleanup(fn func()) func() {
	return c.Subscribe(func(ev Event) {
		if ev.Type == EventCleanupPerformed {
			fn()
		}
	})
}

// LowMemory reports whether low-memory mode is active.
func (c *Coordinator) LowMemory() bool {
	return c.limits.LowMemory()
}

// Cleanups returns the number of cleanups performed.
func (c *Coordinator) Cleanups() uint64 {
	return atomic.LoadUint64(&c.cleanups)
}
