package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "lablab"

// StartFetchSpan starts a span for a cache-backed fetch.
func StartFetchSpan(ctx context.Context, key string, bypass bool) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "fetch",
		trace.WithAttributes(
			attribute.String("cache.key", key),
			attribute.Bool("cache.bypass", bypass),
		),
	)
}

// StartSyncSpan starts a span for a progress synchronization call.
func StartSyncSpan(ctx context.Context, op, sessionID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "sync."+op,
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
		),
	)
}

// StartTransitionSpan starts a span for a stage transition.
func StartTransitionSpan(ctx context.Context, sessionID, fromStage, trigger string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "session.advance",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("stage.from", fromStage),
			attribute.String("trigger", trigger),
		),
	)
}
