// Package tracing installs the OpenTelemetry trace pipeline for the proxy.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const ServiceName = "offline-cache"

type Config struct {
	// OTLP/HTTP endpoint, e.g. http://localhost:4318. Tracing is off when empty.
	Endpoint string `yaml:"endpoint" env:"ENDPOINT" validate:"omitempty,url"`
	// Fraction of new traces that are sampled; 0 samples everything.
	SampleRatio float64 `yaml:"sampleRatio" env:"SAMPLE_RATIO" validate:"gte=0,lte=1"`
}

// Setup registers a global tracer provider exporting to the configured endpoint.
//
// Without an endpoint, Setup returns a no-op shutdown function and no global
// provider is registered. The returned shutdown function flushes pending spans
// and should be deferred by the caller.
func Setup(ctx context.Context, cfg Config, version string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(cfg.Endpoint),
	)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return noop, err
	}

	tp := NewProvider(sampler(cfg.SampleRatio),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

// NewProvider creates a tracer provider that honours the parent's sampling decision.
func NewProvider(root sdktrace.Sampler, opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	opts = append(opts, sdktrace.WithSampler(sdktrace.ParentBased(root)))
	return sdktrace.NewTracerProvider(opts...)
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.TraceIDRatioBased(ratio)
}
