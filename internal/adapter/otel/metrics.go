package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "lablab"

// Metrics holds the instruments of the fetch and synchronization paths.
// A nil *Metrics records nothing.
type Metrics struct {
	Fetches       metric.Int64Counter
	Prefetches    metric.Int64Counter
	SyncOps       metric.Int64Counter
	SyncFallbacks metric.Int64Counter
	SyncDuration  metric.Float64Histogram
	Transitions   metric.Int64Counter
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.Fetches, err = meter.Int64Counter("lablab.fetch.requests",
		metric.WithDescription("Fetches by origin (cache, network, cache_fallback, error)"))
	if err != nil {
		return nil, err
	}

	m.Prefetches, err = meter.Int64Counter("lablab.prefetch.warmups",
		metric.WithDescription("Background prefetch warm-ups by outcome"))
	if err != nil {
		return nil, err
	}

	m.SyncOps, err = meter.Int64Counter("lablab.sync.operations",
		metric.WithDescription("Progress synchronization operations by kind and source"))
	if err != nil {
		return nil, err
	}

	m.SyncFallbacks, err = meter.Int64Counter("lablab.sync.fallbacks",
		metric.WithDescription("Synchronization results not confirmed by the authority"))
	if err != nil {
		return nil, err
	}

	m.SyncDuration, err = meter.Float64Histogram("lablab.sync.duration_seconds",
		metric.WithDescription("Authority round-trip time of synchronization calls"))
	if err != nil {
		return nil, err
	}

	m.Transitions, err = meter.Int64Counter("lablab.session.transitions",
		metric.WithDescription("Stage transitions by trigger"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordFetch counts one fetch with its origin.
func (m *Metrics) RecordFetch(ctx context.Context, origin string) {
	if m == nil {
		return
	}
	m.Fetches.Add(ctx, 1, metric.WithAttributes(attribute.String("origin", origin)))
}

// RecordPrefetch counts one warm-up with its outcome.
func (m *Metrics) RecordPrefetch(ctx context.Context, kind string, ok bool) {
	if m == nil {
		return
	}
	m.Prefetches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("ok", ok),
	))
}

// RecordSync counts one synchronization operation and its round-trip time.
func (m *Metrics) RecordSync(ctx context.Context, op, source string, persisted bool, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("source", source),
	)
	m.SyncOps.Add(ctx, 1, attrs)
	m.SyncDuration.Record(ctx, seconds, attrs)
	if !persisted {
		m.SyncFallbacks.Add(ctx, 1, attrs)
	}
}

// RecordTransition counts one stage transition.
func (m *Metrics) RecordTransition(ctx context.Context, trigger string) {
	if m == nil {
		return
	}
	m.Transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}
