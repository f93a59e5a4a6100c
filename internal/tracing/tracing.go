// Package tracing wires OpenTelemetry spans through the engine and the bus.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys.
const (
	RunIDKey           = "opflow.run.id"
	WorkflowIDKey      = "opflow.workflow.id"
	NodeIDKey          = "opflow.node.id"
	NodeExecutionIDKey = "opflow.node_execution.id"
	ActorIDKey         = "opflow.actor.id"
	CommandTypeKey     = "opflow.command.type"
)

// InstrumentationName is the tracer name used by engine components.
const InstrumentationName = "github.com/rendis/opflow"

// NewProvider builds an OTLP/HTTP tracer provider and installs it, with the
// W3C trace-context propagator, as the global default. Callers must Shutdown
// the returned provider.
func NewProvider(ctx context.Context, serviceName string) (*sdktrace.TracerProvider, error) {
	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}))

	return tp, nil
}

// Tracer returns the opflow tracer from the global provider. Without
// NewProvider this is a no-op tracer.
//
//nolint:ireturn
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StartSpan starts a span with the given attributes.
//
//nolint:ireturn,spancheck
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = Tracer()
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// SetError records err on the span and marks it failed.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.AddEvent("error_occurred", trace.WithAttributes(attrs...))
}

// End records err (if any) and ends the span. Intended for defer with a
// named error result.
func End(span trace.Span, err error) {
	if err != nil {
		SetError(span, err)
	}
	span.End()
}

// Inject writes the span context of ctx into a string map, such as message
// metadata.
func Inject(ctx context.Context, md map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(md))
}

// Extract returns ctx carrying the remote span context found in md.
func Extract(ctx context.Context, md map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(md))
}
