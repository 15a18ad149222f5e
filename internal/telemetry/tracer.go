// Package telemetry configures OpenTelemetry tracing for editoriald.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// Exporter names accepted by InitTracer.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	// ExporterOTLP ships spans over OTLP/HTTP, configured through the
	// standard OTEL_EXPORTER_OTLP_* variables.
	ExporterOTLP = "otlp"
)

// InitTracer installs a global tracer provider. With ExporterNone spans are
// still created so correlation works, but nothing is exported. The returned
// function flushes and shuts the provider down.
func InitTracer(serviceName, version, exporter string) (func(context.Context), error) {
	res, err := newResource(serviceName, version)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	switch exporter {
	case ExporterNone, "":
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	case ExporterOTLP:
		exp, err := otlptracehttp.New(context.Background())
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", exporter)
	}
	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("error shutting down tracer provider", "error", err)
		}
	}, nil
}

// newResource describes the service on top of the SDK defaults. The semconv
// package must match the schema of the SDK's resource.Default().
func newResource(serviceName, version string) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
			semconv.DeploymentEnvironmentName(os.Getenv("EDITORIAL_ENV")),
		),
	)
}

// NewDiscardExporter is a stdout exporter writing nowhere, for tests that want
// the batching path exercised.
func NewDiscardExporter() (sdktrace.SpanExporter, error) {
	return stdouttrace.New(stdouttrace.WithWriter(io.Discard))
}
