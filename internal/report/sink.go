package report

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/docforge/rescache/internal/circuit"
)

// AnalyticsSink receives forwarded reports.
type AnalyticsSink interface {
	Send(ctx context.Context, r Report) error
}

// NopSink drops every report.
type NopSink struct{}

// Send implements AnalyticsSink.
func (NopSink) Send(context.Context, Report) error { return nil }

// FuncSink adapts a function to AnalyticsSink.
type FuncSink func(ctx context.Context, r Report) error

// Send implements AnalyticsSink.
func (f FuncSink) Send(ctx context.Context, r Report) error {
	return f(ctx, r)
}

// Putter stores an object. The S3 content store implements it.
type Putter interface {
	Put(ctx context.Context, key string, data []byte) error
}

// S3Sink writes each report as a JSON object named
// <prefix>/<timestamp>-<id>.json.
type S3Sink struct {
	store  Putter
	prefix string
}

// NewS3Sink creates a sink writing under prefix.
func NewS3Sink(store Putter, prefix string) *S3Sink {
	return &S3Sink{store: store, prefix: prefix}
}

// Key returns the object key for r.
func (s *S3Sink) Key(r Report) string {
	name := fmt.Sprintf("%s-%s.json", r.GeneratedAt.UTC().Format("20060102T150405.000Z"), r.ID)
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// Send implements AnalyticsSink.
func (s *S3Sink) Send(ctx context.Context, r Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	return s.store.Put(ctx, s.Key(r), data)
}

// BreakerSink skips a failing sink until its breaker lets a trial through.
type BreakerSink struct {
	sink    AnalyticsSink
	breaker *circuit.Breaker
}

// NewBreakerSink wraps sink with a breaker using the default trip rule.
func NewBreakerSink(sink AnalyticsSink, cooldown time.Duration) *BreakerSink {
	return &BreakerSink{
		sink: sink,
		breaker: circuit.NewBreaker("analytics-sink", circuit.Config{
			MaxRequests: 1,
			Timeout:     cooldown,
		}),
	}
}

// NewBreakerSinkWith wraps sink with an existing breaker.
func NewBreakerSinkWith(sink AnalyticsSink, breaker *circuit.Breaker) *BreakerSink {
	return &BreakerSink{sink: sink, breaker: breaker}
}

// Send implements AnalyticsSink. While the breaker is open the call is
// rejected with SINK_UNAVAILABLE without reaching the sink.
func (b *BreakerSink) Send(ctx context.Context, r Report) error {
	return b.breaker.Execute(ctx, func(ctx context.Context) error {
		return b.sink.Send(ctx, r)
	})
}

// State returns the breaker state.
func (b *BreakerSink) State() circuit.State {
	return b.breaker.State()
}
