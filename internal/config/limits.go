package config

import (
	"sync"
	"time"
)

// Reduced-capacity values applied by EnterLowMemory.
const (
	LowMemoryMaxCacheSizeBytes   int64 = 10 << 20
	LowMemoryMaxCacheItems             = 20
	LowMemoryMemoryCheckInterval       = 5 * time.Second
	LowMemoryReportInterval            = 60 * time.Second
)

// LimitValues is a point-in-time copy of the adaptive limits.
type LimitValues struct {
	MaxCacheSizeBytes   int64
	MaxCacheItems       int
	MemoryCheckInterval time.Duration
	ReportInterval      time.Duration
	LowMemory           bool
}

// Limits holds the process-wide adaptive limits shared by every component.
// Readers take a Snapshot; only the cleanup coordinator calls EnterLowMemory.
type Limits struct {
	mu      sync.RWMutex
	current LimitValues
}

// NewLimits creates limits from the startup configuration.
func NewLimits(cfg *Configuration) *Limits {
	if cfg == nil {
		cfg = NewDefault()
	}
	return &Limits{
		current: LimitValues{
			MaxCacheSizeBytes:   cfg.Cache.MaxCacheSize.Int64(),
			MaxCacheItems:       cfg.Cache.MaxCacheItems,
			MemoryCheckInterval: cfg.Monitor.MemoryCheckInterval,
			ReportInterval:      cfg.Report.ReportInterval,
		},
	}
}

// Snapshot returns the current limits.
func (l *Limits) Snapshot() LimitValues {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// LowMemory reports whether the reduced-capacity configuration is active.
func (l *Limits) LowMemory() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current.LowMemory
}

// EnterLowMemory switches to the reduced-capacity configuration. The values
// are absolute, so repeated calls never compound. It returns true only on
// the call that performed the transition.
func (l *Limits) EnterLowMemory() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current.LowMemory {
		return false
	}
	l.current = LimitValues{
		MaxCacheSizeBytes:   LowMemoryMaxCacheSizeBytes,
		MaxCacheItems:       LowMemoryMaxCacheItems,
		MemoryCheckInterval: LowMemoryMemoryCheckInterval,
		ReportInterval:      LowMemoryReportInterval,
		LowMemory:           true,
	}
	return true
}
