// Package memmon samples process memory on an adaptive period and triggers
// cleanup when usage crosses a threshold.
package memmon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docforge/rescache/internal/config"
	rcerrors "github.com/docforge/rescache/pkg/errors"
	"github.com/docforge/rescache/pkg/utils"
)

// MetricType is the aggregator type memory samples are recorded under.
const MetricType = "memory"

// Recorder receives every sample as a metric event.
type Recorder interface {
	Record(metricType string, data map[string]interface{})
}

// Reclaimer frees memory on request. The cleanup coordinator implements it.
type Reclaimer interface {
	PerformCleanup()
	EnableLowMemoryMode() bool
}

// MonitorConfig configures memory monitoring behavior
type MonitorConfig struct {
	// UsageThreshold is the used/limit fraction above which cleanup runs
	UsageThreshold float64

	// MaxSamples is the number of samples to keep in history
	MaxSamples int

	// LowMemoryDeviceBytes classifies hosts below this size as constrained
	LowMemoryDeviceBytes uint64

	// ForceLowMemory enters low-memory mode at startup regardless of host size
	ForceLowMemory bool

	// OnSample is called after every successful sample
	OnSample func(MemorySample)

	// OnDisable is called when the host turns out to have no memory
	// introspection, at Start or on the first failing sample
	OnDisable func()

	Logger *utils.StructuredLogger
}

// DefaultMonitorConfig returns sensible defaults
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		UsageThreshold:       0.8,
		MaxSamples:           100,
		LowMemoryDeviceBytes: 4 << 30,
	}
}

// Monitor periodically samples memory. The period is re-read from the
// shared limits before every tick so low-memory mode shortens it.
type Monitor struct {
	config    MonitorConfig
	sampler   Sampler
	limits    *config.Limits
	recorder  Recorder
	reclaimer Reclaimer
	logger    *utils.StructuredLogger

	mu       sync.RWMutex
	samples  []MemorySample
	disabled bool

	lifecycle sync.Mutex
	stopCh    chan struct{} // nil while stopped
	wg        sync.WaitGroup
}

// NewMonitor creates a new memory monitor. A nil sampler yields a monitor
// that never samples.
func NewMonitor(sampler Sampler, limits *config.Limits, recorder Recorder, reclaimer Reclaimer, cfg MonitorConfig) *Monitor {
	defaults := DefaultMonitorConfig()
	if cfg.UsageThreshold <= 0 {
		cfg.UsageThreshold = defaults.UsageThreshold
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = defaults.MaxSamples
	}
	if cfg.LowMemoryDeviceBytes == 0 {
		cfg.LowMemoryDeviceBytes = defaults.LowMemoryDeviceBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.NewNopLogger()
	}
	if limits == nil {
		limits = config.NewLimits(nil)
	}

	return &Monitor{
		config:    cfg,
		sampler:   sampler,
		limits:    limits,
		recorder:  recorder,
		reclaimer: reclaimer,
		logger:    cfg.Logger.WithComponent("memmon"),
		samples:   make([]MemorySample, 0, cfg.MaxSamples),
		disabled:  sampler == nil,
	}
}

// Start classifies the device, then begins periodic sampling.
func (m *Monitor) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.stopCh != nil {
		return rcerrors.NewError(rcerrors.ErrCodeAlreadyStarted, "monitor already running").
			WithComponent("memmon")
	}
	m.stopCh = make(chan struct{})

	m.probeDeviceClass()

	if !m.Enabled() {
		m.logger.Info("Memory introspection unavailable, monitor disabled", nil)
		m.notifyDisabled()
		return nil
	}

	m.logger.Info("Starting memory monitor", map[string]interface{}{
		"interval":  m.limits.Snapshot().MemoryCheckInterval,
		"threshold": m.config.UsageThreshold,
	})

	m.wg.Add(1)
	go m.monitorLoop(ctx, m.stopCh)

	return nil
}

// Stop stops memory monitoring
func (m *Monitor) Stop() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.stopCh == nil {
		return nil
	}
	close(m.stopCh)
	m.stopCh = nil
	m.wg.Wait()
	return nil
}

// Enabled reports whether sampling is still active.
func (m *Monitor) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.disabled
}

// ForceSample takes a sample immediately and applies the threshold check.
func (m *Monitor) ForceSample() (MemorySample, error) {
	return m.check()
}

func (m *Monitor) monitorLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer m.wg.Done()

	for {
		timer := time.NewTimer(m.limits.Snapshot().MemoryCheckInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
			m.tick()
		}

		if !m.Enabled() {
			return
		}
	}
}

func (m *Monitor) tick() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Recovered panic during memory check", map[string]interface{}{
				"code":  rcerrors.ErrCodePanicRecovered,
				"panic": fmt.Sprint(r),
			})
		}
	}()

	_, _ = m.check()
}

func (m *Monitor) check() (MemorySample, error) {
	if !m.Enabled() {
		return MemorySample{}, ErrUnsupported
	}

	sample, err := m.sampler.Sample()
	if err != nil {
		if rcerrors.HasCode(err, rcerrors.ErrCodeMemoryUnavailable) {
			m.disable()
			return MemorySample{}, err
		}
		m.logger.Warn("Memory sample failed", map[string]interface{}{
			"error": err.Error(),
		})
		return MemorySample{}, err
	}

	m.mu.Lock()
	m.samples = append(m.samples, sample)
	if len(m.samples) > m.config.MaxSamples {
		m.samples = m.samples[len(m.samples)-m.config.MaxSamples:]
	}
	m.mu.Unlock()

	usage := sample.UsagePercent()
	if m.recorder != nil {
		m.recorder.Record(MetricType, map[string]interface{}{
			"used":  sample.UsedBytes,
			"total": sample.TotalBytes,
			"limit": sample.LimitBytes,
			"usage": usage,
		})
	}
	if m.config.OnSample != nil {
		m.config.OnSample(sample)
	}

	if usage > m.config.UsageThreshold && m.reclaimer != nil {
		m.logger.Warn("Memory usage above threshold, cleaning up", map[string]interface{}{
			"usage":     usage,
			"threshold": m.config.UsageThreshold,
			"used":      utils.FormatBytes(int64(sample.UsedBytes)),
			"limit":     utils.FormatBytes(int64(sample.LimitBytes)),
		})
		m.reclaimer.PerformCleanup()
	}

	return sample, nil
}

func (m *Monitor) disable() {
	m.mu.Lock()
	already := m.disabled
	m.disabled = true
	m.mu.Unlock()

	if !already {
		m.logger.Info("Memory introspection unavailable, monitor disabled", nil)
		m.notifyDisabled()
	}
}

func (m *Monitor) notifyDisabled() {
	if m.config.OnDisable != nil {
		m.config.OnDisable()
	}
}

// probeDeviceClass enters low-memory mode on constrained hosts.
func (m *Monitor) probeDeviceClass() {
	if m.reclaimer == nil {
		return
	}

	if m.config.ForceLowMemory {
		m.reclaimer.EnableLowMemoryMode()
		return
	}

	prober, ok := m.sampler.(HostMemoryProber)
	if !ok {
		return
	}
	total, err := prober.HostMemoryBytes()
	if err != nil {
		m.logger.Debug("Host memory probe failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if total < m.config.LowMemoryDeviceBytes {
		m.logger.Info("Constrained device detected", map[string]interface{}{
			"host_memory": utils.FormatBytes(int64(total)),
		})
		m.reclaimer.EnableLowMemoryMode()
	}
}

// Samples returns memory sample history, oldest first.
func (m *Monitor) Samples() []MemorySample {
	m.mu.RLock()
	defer m.mu.RUnlock()

	samples := make([]MemorySample, len(m.samples))
	copy(samples, m.samples)
	return samples
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() (MemorySample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.samples) == 0 {
		return MemorySample{}, false
	}
	return m.samples[len(m.samples)-1], true
}

// WindowStats summarises usage over recent samples.
type WindowStats struct {
	Count   int     `json:"count"`
	Average float64 `json:"average"`
	Max     float64 `json:"max"`
}

// Stats returns average and maximum usage over the last n samples.
func (m *Monitor) Stats(n int) WindowStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	window := m.samples
	if n > 0 && len(window) > n {
		window = window[len(window)-n:]
	}

	stats := WindowStats{Count: len(window)}
	if len(window) == 0 {
		return stats
	}

	var total float64
	for _, s := range window {
		usage := s.UsagePercent()
		total += usage
		if usage > stats.Max {
			stats.Max = usage
		}
	}
	stats.Average = total / float64(len(window))
	return stats
}
