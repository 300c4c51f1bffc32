// Package report builds periodic telemetry reports and forwards them to an
// analytics sink when the host opted in.
package report

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/docforge/rescache/internal/cache"
	"github.com/docforge/rescache/internal/config"
	"github.com/docforge/rescache/internal/memmon"
	"github.com/docforge/rescache/internal/metrics"
	rcerrors "github.com/docforge/rescache/pkg/errors"
	"github.com/docforge/rescache/pkg/utils"
)

const (
	// DefaultMemoryWindow is how many recent memory samples a report covers.
	DefaultMemoryWindow = 10

	// DefaultSendTimeout bounds a single sink delivery.
	DefaultSendTimeout = 10 * time.Second
)

// CacheReport is the cache section of a report.
type CacheReport struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	SizeBytes int64   `json:"size_bytes"`
	Entries   int     `json:"entries"`
}

// MemoryReport is the memory section of a report. Average and Max are
// used/limit fractions over the window.
type MemoryReport struct {
	Samples int                  `json:"samples"`
	Average float64              `json:"average"`
	Max     float64              `json:"max"`
	Latest  *memmon.MemorySample `json:"latest,omitempty"`
}

// Report is a point-in-time telemetry snapshot.
type Report struct {
	ID          string                     `json:"id"`
	GeneratedAt time.Time                  `json:"generated_at"`
	Metrics     map[string]metrics.Summary `json:"metrics"`
	Cache       CacheReport                `json:"cache"`
	Memory      MemoryReport               `json:"memory"`
	LowMemory   bool                       `json:"low_memory"`
}

// SummarySource provides per-type metric summaries.
type SummarySource interface {
	Summaries() map[string]metrics.Summary
}

// CacheSource provides cache statistics.
type CacheSource interface {
	Stats() cache.Stats
}

// MemorySource provides recent memory usage.
type MemorySource interface {
	Stats(n int) memmon.WindowStats
	Latest() (memmon.MemorySample, bool)
}

// Observer is told about every forwarding attempt.
type Observer interface {
	RecordReport(ok bool)
}

// Config represents report generator configuration
type Config struct {
	// Forward sends each periodic report to Sink
	Forward bool

	MemoryWindow int
	SendTimeout  time.Duration
	Sink         AnalyticsSink
	Observer     Observer
	Clock        func() time.Time
	Logger       *utils.StructuredLogger
}

// Generator assembles reports from the aggregator, the cache and the memory
// monitor. Any source may be nil; its section is then left empty.
type Generator struct {
	limits    *config.Limits
	summaries SummarySource
	cache     CacheSource
	memory    MemorySource
	config    Config
	now       func() time.Time
	logger    *utils.StructuredLogger

	mu   sync.RWMutex
	last *Report

	generated uint64
	forwarded uint64
	failed    uint64

	lifecycle sync.Mutex
	stopCh    chan struct{} // nil while stopped
	wg        sync.WaitGroup
}

// NewGenerator creates a report generator
func NewGenerator(limits *config.Limits, summaries SummarySource, cacheSrc CacheSource, memory MemorySource, cfg *Config) *Generator {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.MemoryWindow <= 0 {
		c.MemoryWindow = DefaultMemoryWindow
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.Sink == nil {
		c.Sink = NopSink{}
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

	return &Generator{
		limits:    limits,
		summaries: summaries,
		cache:     cacheSrc,
		memory:    memory,
		config:    c,
		now:       now,
		logger:    c.Logger.WithComponent("report"),
	}
}

// Generate builds a report from the current state of every source.
func (g *Generator) Generate() Report {
	r := Report{
		ID:          gonanoid.Must(),
		GeneratedAt: g.now(),
		Metrics:     map[string]metrics.Summary{},
		LowMemory:   g.limits.LowMemory(),
	}

	if g.summaries != nil {
		r.Metrics = g.summaries.Summaries()
	}

	if g.cache != nil {
		stats := g.cache.Stats()
		r.Cache = CacheReport{
			Hits:      stats.Hits,
			Misses:    stats.Misses,
			HitRate:   stats.HitRate(),
			SizeBytes: stats.TotalSizeBytes,
			Entries:   stats.EntryCount,
		}
	}

	if g.memory != nil {
		window := g.memory.Stats(g.config.MemoryWindow)
		r.Memory = MemoryReport{
			Samples: window.Count,
			Average: window.Average,
			Max:     window.Max,
		}
		if latest, ok := g.memory.Latest(); ok {
			r.Memory.Latest = &latest
		}
	}

	g.mu.Lock()
	g.last = &r
	g.mu.Unlock()
	atomic.AddUint64(&g.generated, 1)

	return r
}

// Forward sends r to the configured sink. Sink failures are returned as
// SINK_FAILED; a sink rejected by its breaker returns SINK_UNAVAILABLE.
func (g *Generator) Forward(ctx context.Context, r Report) error {
	ctx, cancel := context.WithTimeout(ctx, g.config.SendTimeout)
	defer cancel()

	err := g.config.Sink.Send(ctx, r)
	if err != nil && !rcerrors.HasCode(err, rcerrors.ErrCodeSinkUnavailable) {
		err = rcerrors.Wrap(err, rcerrors.ErrCodeSinkFailed, "analytics sink rejected report").
			WithComponent("report").WithDetail("report_id", r.ID)
	}

	if err != nil {
		atomic.AddUint64(&g.failed, 1)
	} else {
		atomic.AddUint64(&g.forwarded, 1)
	}
	if g.config.Observer != nil {
		g.config.Observer.RecordReport(err == nil)
	}
	return err
}

// Last returns the most recently generated report.
func (g *Generator) Last() (Report, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.last == nil {
		return Report{}, false
	}
	return *g.last, true
}

// Counts returns how many reports were generated, forwarded and failed.
func (g *Generator) Counts() (generated, forwarded, failed uint64) {
	return atomic.LoadUint64(&g.generated), atomic.LoadUint64(&g.forwarded), atomic.LoadUint64(&g.failed)
}

// Start begins periodic reporting. The interval is re-read before every
// tick so entering low-memory mode stretches it.
func (g *Generator) Start(ctx context.Context) error {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()

	if g.stopCh != nil {
		return rcerrors.NewError(rcerrors.ErrCodeAlreadyStarted, "report generator already running").
			WithComponent("report")
	}
	g.stopCh = make(chan struct{})

	g.logger.Info("Starting report generator", map[string]interface{}{
		"interval": g.limits.Snapshot().ReportInterval,
		"forward":  g.config.Forward,
	})

	g.wg.Add(1)
	go g.reportLoop(ctx, g.stopCh)
	return nil
}

// Stop stops periodic reporting and waits for an in-flight tick.
func (g *Generator) Stop() error {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()

	if g.stopCh == nil {
		return nil
	}
	close(g.stopCh)
	g.stopCh = nil
	g.wg.Wait()
	return nil
}

func (g *Generator) reportLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer g.wg.Done()

	for {
		timer := time.NewTimer(g.limits.Snapshot().ReportInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
			g.tick(ctx)
		}
	}
}

func (g *Generator) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Recovered panic during report", map[string]interface{}{
				"code":  rcerrors.ErrCodePanicRecovered,
				"panic": fmt.Sprint(r),
			})
		}
	}()

	r := g.Generate()
	g.logger.Debug("Report generated", map[string]interface{}{
		"id":       r.ID,
		"hit_rate": r.Cache.HitRate,
		"entries":  r.Cache.Entries,
	})

	if !g.config.Forward {
		return
	}
	if err := g.Forward(ctx, r); err != nil {
		g.logger.Warn("Failed to forward report", map[string]interface{}{
			"id":    r.ID,
			"code":  rcerrors.CodeOf(err),
			"error": err.Error(),
		})
	}
}
