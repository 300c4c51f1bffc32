package runtime

import (
	"time"

	"github.com/docforge/rescache/internal/metrics"
	"github.com/docforge/rescache/pkg/health"
)

// Health components tracked by the runtime.
const (
	ComponentLoader        = "loader"
	ComponentAnalyticsSink = "analytics-sink"
	ComponentMemoryMonitor = "memory-monitor"
)

// telemetry fans loader and report outcomes out to the Prometheus collector
// and the health tracker.
type telemetry struct {
	collector *metrics.Collector
	health    *health.Tracker
}

func (t telemetry) RecordLoad(kind string, ok bool, duration time.Duration) {
	t.collector.RecordLoad(kind, ok, duration)
	t.record(ComponentLoader, ok)
}

func (t telemetry) RecordReport(ok bool) {
	t.collector.RecordReport(ok)
	t.record(ComponentAnalyticsSink, ok)
}

func (t telemetry) record(component string, ok bool) {
	if ok {
		t.health.RecordSuccess(component)
	} else {
		t.health.RecordError(component, nil)
	}
}
