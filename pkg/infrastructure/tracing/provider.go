package tracing

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

type Config struct {
	Exporter    string
	ServiceName string
}

// NewProvider builds the process tracer provider and installs it, together
// with the propagator, as the otel globals for third party instrumentation.
func NewProvider(config Config) (trace.TracerProvider, func(ctx context.Context) error, error) {
	var provider trace.TracerProvider
	shutdown := func(context.Context) error { return nil }

	switch config.Exporter {
	case "", ExporterNone:
		provider = noop.NewTracerProvider()
	case ExporterStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
		if err != nil {
			return nil, nil, errors.WithStack(err)
		}
		sdkProvider := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(sdkresource.NewSchemaless(
				attribute.String("service.name", config.ServiceName),
			)),
		)
		provider = sdkProvider
		shutdown = sdkProvider.Shutdown
	default:
		return nil, nil, errors.Errorf("unknown trace exporter %q", config.Exporter)
	}

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(NewPropagator())
	return provider, shutdown, nil
}
