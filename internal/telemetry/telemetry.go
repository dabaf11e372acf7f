package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	tracerName            = meterName
	defaultMetricInterval = 30 * time.Second
)

// Options configures the exported resource and export cadence.
type Options struct {
	ServiceName    string
	ServiceVersion string
	// Servers are the configured SQL Server names, attached to the resource
	// as sqlwarden.servers.
	Servers []string
	// MetricInterval defaults to 30s.
	MetricInterval time.Duration
}

// Provider owns the trace and metric providers for the process.
type Provider struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Init creates OTLP gRPC exporters and registers the providers globally.
// The exporters read OTEL_EXPORTER_OTLP_ENDPOINT and friends themselves;
// OTEL_RESOURCE_ATTRIBUTES is merged into the resource.
func Init(ctx context.Context, opts Options) (*Provider, error) {
	res, err := newResource(ctx, opts)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx)
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	interval := opts.MetricInterval
	if interval <= 0 {
		interval = defaultMetricInterval
	}
	p := newProvider(res,
		sdktrace.WithBatcher(traceExporter),
		sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval)),
	)

	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	// W3C trace context and baggage from the streamable HTTP transport's
	// request headers. stdio has no headers to carry them.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return p, nil
}

func newResource(ctx context.Context, opts Options) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(opts.ServiceName),
		semconv.ServiceVersion(opts.ServiceVersion),
	}
	if len(opts.Servers) > 0 {
		attrs = append(attrs, attribute.StringSlice("sqlwarden.servers", opts.Servers))
	}
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("creating otel resource: %w", err)
	}
	return res, nil
}

func newProvider(res *resource.Resource, spans sdktrace.TracerProviderOption, reader sdkmetric.Reader) *Provider {
	return &Provider{
		tp: sdktrace.NewTracerProvider(spans, sdktrace.WithResource(res)),
		mp: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res)),
	}
}

// Tracer returns the tracer the services and hooks start spans with.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil {
		return NoopTracer()
	}
	return p.tp.Tracer(tracerName)
}

// Instruments creates the metric instruments on this provider's meter.
func (p *Provider) Instruments() *Instruments {
	if p == nil {
		return NoopInstruments()
	}
	return newInstrumentsFromMeter(p.mp.Meter(meterName))
}

// Shutdown flushes pending spans and metrics and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if err := p.tp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down tracer provider: %w", err))
	}
	if err := p.mp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down meter provider: %w", err))
	}
	return errors.Join(errs...)
}

// NoopTracer returns a tracer that records nothing, for when OTel is off.
func NoopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer(tracerName)
}
