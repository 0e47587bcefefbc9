package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var tracer trace.Tracer

// SetTracer sets the tracer used by StartSpan. A nil tracer disables spans.
func SetTracer(t trace.Tracer) {
	tracer = t
}

// Init installs a tracer provider for serviceName. When exporter is nil spans are
// recorded but never exported, which keeps trace ids available for logs and error bodies.
func Init(serviceName string, exporter sdktrace.SpanExporter) func(context.Context) error {
	opts := []sdktrace.TracerProviderOption{}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	provider := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	SetTracer(provider.Tracer(serviceName))

	return provider.Shutdown
}

// StartSpan starts a span named like "Type.Method".
func StartSpan(ctx context.Context, spanName string) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, spanName)
}

func activeSpan(ctx context.Context) trace.Span {
	if tracer == nil {
		return nil
	}
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return nil
	}
	return span
}

func carrier(ctx context.Context) propagation.MapCarrier {
	c := propagation.MapCarrier{}
	if activeSpan(ctx) == nil {
		return c
	}
	propagation.TraceContext{}.Inject(ctx, c)
	return c
}

// GetTraceParent returns the W3C traceparent header for the active span.
func GetTraceParent(ctx context.Context) string {
	return carrier(ctx).Get("traceparent")
}

// GetTraceState returns the W3C tracestate header for the active span.
func GetTraceState(ctx context.Context) string {
	return carrier(ctx).Get("tracestate")
}

func GetTraceID(ctx context.Context) string {
	span := activeSpan(ctx)
	if span == nil {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

func GetSpanID(ctx context.Context) string {
	span := activeSpan(ctx)
	if span == nil {
		return ""
	}
	return span.SpanContext().SpanID().String()
}

// WithTraceParent continues the trace carried by a traceparent header, e.g. one stored on
// a queued job. An empty or malformed value returns ctx unchanged.
func WithTraceParent(ctx context.Context, traceParent string) context.Context {
	if traceParent == "" {
		return ctx
	}
	return propagation.TraceContext{}.Extract(ctx, propagation.MapCarrier{"traceparent": traceParent})
}
