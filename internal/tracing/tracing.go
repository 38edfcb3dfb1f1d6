// Package tracing configures OpenTelemetry for the gateway.
package tracing

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"llm-gateway/internal/config"
)

// TracerName is the instrumentation scope used by gateway spans.
const TracerName = "llm-gateway"

// Provider owns the process tracer provider.
type Provider struct {
	tp  trace.TracerProvider
	sdk *sdktrace.TracerProvider
}

// New builds the tracer provider. When tracing is disabled a no-op provider
// is returned so callers never need nil checks.
func New(cfg *config.Config, logger *slog.Logger) (*Provider, error) {
	tc := cfg.Tracing
	if !tc.Enabled {
		return &Provider{tp: noop.NewTracerProvider()}, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(tc.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(tc.SampleRate))),
	}

	if tc.Endpoint != "" {
		expOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(tc.Endpoint)}
		if tc.Insecure {
			expOpts = append(expOpts, otlptracegrpc.WithInsecure())
		}
		// The gRPC exporter connects lazily, so startup does not block on the collector.
		exporter, err := otlptracegrpc.New(context.Background(), expOpts...)
		if err != nil {
			return nil, fmt.Errorf("tracing: otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	sdk := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(sdk)
	otel.SetTextMapPropagator(Propagator())

	logger.Info("tracing enabled",
		"endpoint", tc.Endpoint,
		"sample_rate", tc.SampleRate,
	)
	return &Provider{tp: sdk, sdk: sdk}, nil
}

// Tracer returns the gateway tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tp.Tracer(TracerName)
}

// NewWithTracerProvider wraps an existing tracer provider, typically an SDK
// provider backed by an in-memory exporter in tests.
func NewWithTracerProvider(tp trace.TracerProvider) *Provider {
	p := &Provider{tp: tp}
	if sdk, ok := tp.(*sdktrace.TracerProvider); ok {
		p.sdk = sdk
	}
	return p
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}

// Propagator returns the W3C trace-context and baggage propagator.
func Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}
