package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by leafy spans and metrics.
var (
	AttrQueryType = attribute.Key("leafy.cache.query_type")
	AttrQueryHash = attribute.Key("leafy.cache.query_hash")
	AttrCacheHit  = attribute.Key("leafy.cache.hit")
	AttrTaskID    = attribute.Key("leafy.task.id")
	AttrTaskState = attribute.Key("leafy.task.state")
	AttrJob       = attribute.Key("leafy.maintenance.job")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span around an outbound lookup (a fetch function).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
