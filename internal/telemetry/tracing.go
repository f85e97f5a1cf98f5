// Package telemetry wires optional OpenTelemetry tracing around the core
// runtime. It is a no-op when no OTLP endpoint is configured, so the
// Orchestrator, Planner and ToolRunner can unconditionally call Start
// without branching on whether tracing is enabled.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the tracer. An empty Endpoint yields a no-op tracer.
type Config struct {
	ServiceName  string
	Endpoint     string
	SamplingRate float64
	Insecure     bool
}

// Tracer wraps an otel tracer scoped to the core runtime's span names.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// New builds a Tracer from Config and a shutdown func that must run at
// process exit. When Endpoint is empty, or the exporter fails to
// initialize, the returned Tracer is a harmless no-op.
func New(config Config) (*Tracer, func(context.Context) error) {
	name := config.ServiceName
	if name == "" {
		name = "cratos"
	}
	if config.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(name)}, func(context.Context) error { return nil }
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(name)}, func(context.Context) error { return nil }
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		attribute.String("service.name", name),
	))
	if err != nil {
		res = resource.Default()
	}

	rate := config.SamplingRate
	var sampler sdktrace.Sampler
	switch {
	case rate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case rate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(rate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{provider: provider, tracer: provider.Tracer(name)}, provider.Shutdown
}

// Start opens a span named name, attached to ctx.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError marks span as failed and attaches err, when err is non-nil.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetTraceID returns the hex trace ID of the span active on ctx, or "" if
// ctx carries no span context with a valid trace ID (sampled or not).
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// GetSpanID returns the hex span ID of the span active on ctx, or "" if
// ctx carries no span context with a valid span ID (sampled or not).
func GetSpanID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasSpanID() {
		return ""
	}
	return sc.SpanID().String()
}
