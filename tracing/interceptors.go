// Package tracing provides OpenTelemetry span wrappers around the cache's
// query and update paths. It is entirely optional — tracing is only active
// when [Config] is wired in via dictcache.WithTracing.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/oakledger/dictcache/contextx"
)

// Config holds the OpenTelemetry configuration used to wrap cache
// operations in spans.
type Config struct {
	// TracerProvider supplies the Tracer used to create spans. When nil the
	// global otel.GetTracerProvider() is used.
	TracerProvider trace.TracerProvider

	// Propagators injects trace context into carriers supplied by a
	// caller (see Inject). When nil the
	// global otel.GetTextMapPropagator() is used.
	Propagators propagation.TextMapPropagator
}

func (c *Config) tracer() trace.Tracer {
	tp := c.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer("dictcache/tracing")
}

// propagators returns the configured propagator, or the global default.
func (c *Config) propagators() propagation.TextMapPropagator {
	if c.Propagators != nil {
		return c.Propagators
	}
	return otel.GetTextMapPropagator()
}

// Inject writes the trace context carried by ctx into carrier, for use by
// sources that forward it over the wire (e.g. httpsource request headers).
func (c *Config) Inject(ctx context.Context, carrier propagation.TextMapCarrier) {
	c.propagators().Inject(ctx, carrier)
}

// WrapQuery starts a span named op (e.g. "GetColumns", "HasKeys") around
// fn, recording keyCount as an attribute and the returned error's status.
// If cfg is nil, fn runs unwrapped.
func WrapQuery(ctx context.Context, cfg *Config, op string, keyCount int, fn func(context.Context) error) error {
	if cfg == nil {
		return fn(ctx)
	}
	ctx, span := cfg.tracer().Start(ctx, op, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("dictcache.operation", op),
		attribute.Int("dictcache.key_count", keyCount),
	)
	if id := contextx.RequestIDFromContext(ctx); id != "" {
		span.SetAttributes(attribute.String("dictcache.request_id", id))
	}
	err := fn(ctx)
	recordStatus(span, err)
	return err
}

// WrapUpdate starts a span around a single worker update unit's source
// fetch and storage insert.
func WrapUpdate(ctx context.Context, cfg *Config, unitID string, keyCount int, fn func(context.Context) error) error {
	if cfg == nil {
		return fn(ctx)
	}
	ctx, span := cfg.tracer().Start(ctx, "update", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("dictcache.unit_id", unitID),
		attribute.Int("dictcache.key_count", keyCount),
	)
	err := fn(ctx)
	recordStatus(span, err)
	return err
}

func recordStatus(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
