package metrics

import (
	"sort"
	"sync"
	"time"
)

// Retention bounds for each metric type's log.
const (
	DefaultMaxSamples = 1000
	DefaultTrimTo     = 500
)

// DurationField is the sample field summarised by Summaries.
const DurationField = "duration"

// Sample is a single recorded metric event.
type Sample struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// Summary aggregates the duration field of one metric type. Count includes
// samples without a duration; Measured counts only those that had one.
type Summary struct {
	Count    int     `json:"count"`
	Measured int     `json:"measured"`
	Average  float64 `json:"average"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
}

// AggregatorConfig represents aggregator configuration
type AggregatorConfig struct {
	MaxSamples int
	TrimTo     int
	Clock      func() time.Time
}

// Aggregator keeps a bounded, insertion-ordered log per metric type.
type Aggregator struct {
	mu     sync.RWMutex
	logs   map[string][]Sample
	config AggregatorConfig
	now    func() time.Time
}

// NewAggregator creates a new metrics aggregator
func NewAggregator(cfg *AggregatorConfig) *Aggregator {
	c := AggregatorConfig{}
	if cfg != nil {
		c = *cfg
	}
	if c.MaxSamples <= 0 {
		c.MaxSamples = DefaultMaxSamples
	}
	if c.TrimTo <= 0 || c.TrimTo > c.MaxSamples {
		c.TrimTo = DefaultTrimTo
		if c.TrimTo > c.MaxSamples {
			c.TrimTo = c.MaxSamples
		}
	}
	now := c.Clock
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		logs:   make(map[string][]Sample),
		config: c,
		now:    now,
	}
}

// Record appends a sample. When a log grows past the cap it keeps only the
// newest TrimTo samples.
func (a *Aggregator) Record(metricType string, data map[string]interface{}) {
	copied := make(map[string]interface{}, len(data))
	for k, v := range data {
		copied[k] = v
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	log := append(a.logs[metricType], Sample{Type: metricType, Data: copied, Timestamp: a.now()})
	if len(log) > a.config.MaxSamples {
		log = keepNewest(log, a.config.TrimTo)
	}
	a.logs[metricType] = log
}

// Trim truncates every log to its newest n samples.
func (a *Aggregator) Trim(n int) {
	if n < 0 {
		n = 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for t, log := range a.logs {
		if len(log) > n {
			a.logs[t] = keepNewest(log, n)
		}
	}
}

// Reset drops all samples.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = make(map[string][]Sample)
}

// Len returns the number of retained samples of metricType.
func (a *Aggregator) Len(metricType string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.logs[metricType])
}

// Types returns the recorded metric types in sorted order.
func (a *Aggregator) Types() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	types := make([]string, 0, len(a.logs))
	for t := range a.logs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Samples returns a copy of the retained samples of metricType, oldest first.
func (a *Aggregator) Samples(metricType string) []Sample {
	a.mu.RLock()
	defer a.mu.RUnlock()

	log := a.logs[metricType]
	out := make([]Sample, len(log))
	copy(out, log)
	return out
}

// Summaries computes a Summary per metric type.
func (a *Aggregator) Summaries() map[string]Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]Summary, len(a.logs))
	for t, log := range a.logs {
		out[t] = summarize(log)
	}
	return out
}

func summarize(log []Sample) Summary {
	s := Summary{Count: len(log)}
	var total float64
	for _, sample := range log {
		v, ok := Numeric(sample.Data[DurationField])
		if !ok {
			continue
		}
		if s.Measured == 0 || v < s.Min {
			s.Min = v
		}
		if s.Measured == 0 || v > s.Max {
			s.Max = v
		}
		total += v
		s.Measured++
	}
	if s.Measured > 0 {
		s.Average = total / float64(s.Measured)
	}
	return s
}

func keepNewest(log []Sample, n int) []Sample {
	kept := make([]Sample, n)
	copy(kept, log[len(log)-n:])
	return kept
}

// Numeric converts the common numeric kinds to float64. Durations are
// expressed in milliseconds.
func Numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case time.Duration:
		return float64(n) / float64(time.Millisecond), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
