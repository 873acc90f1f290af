// Package tracing installs the OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/pario-ai/chainfetch"

// Init installs a global tracer provider for exporter ("none" or "stdout")
// and returns its shutdown function.
func Init(exporter, service string) (func(context.Context) error, error) {
	return InitWriter(exporter, service, os.Stderr)
}

// InitWriter is Init with an explicit destination for the stdout exporter.
func InitWriter(exporter, service string, w io.Writer) (func(context.Context) error, error) {
	switch strings.ToLower(strings.TrimSpace(exporter)) {
	case "", "none":
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("stdout exporter: %w", err)
		}
		res := resource.NewSchemaless(attribute.String("service.name", service))
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSyncer(exp),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		return tp.Shutdown, nil
	default:
		return nil, fmt.Errorf("unknown tracing exporter %q", exporter)
	}
}

// StartSpan starts a span on the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}
