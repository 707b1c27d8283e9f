// Package otelhelper wires the process-wide OpenTelemetry tracer used by
// pipeline runs.
package otelhelper

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
	ProjectIDKey   = "ram.project.id"
	ScenarioIDKey  = "ram.scenario.id"
	OperationIDKey = "ram.operation.id"
	ServiceKey     = "ram.service"
)

// Target returns the span attributes identifying one project/scenario
// pair.
func Target(projectID, scenarioID int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(ProjectIDKey, projectID),
		attribute.Int64(ScenarioIDKey, scenarioID),
	}
}

// SetError marks a pipeline span as failed. The error is recorded as an
// exception and mirrored into the span status, so failed runs can be found
// by status alone.
func SetError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// InitTracer installs an OTLP-exporting trace provider as the global one,
// configured through the standard OTEL_* environment variables. The caller
// must shut the returned provider down on exit.
func InitTracer(ctx context.Context, serviceName string) (*sdktrace.TracerProvider, error) {
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
