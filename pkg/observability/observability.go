// Package observability sets up the process logger and the OpenTelemetry
// trace and metric pipelines.
//
// Packages create spans and instruments through the otel globals; until a
// Provider is installed those are no-ops.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/webproof/pkg/config"
)

const scope = "github.com/Mindburn-Labs/webproof"

// exportInterval is how often metrics are pushed to the collector.
const exportInterval = 15 * time.Second

// Provider owns the SDK providers installed for the process and the
// instruments used to track CLI operations.
type Provider struct {
	cfg    config.TelemetryConfig
	logger *slog.Logger

	shutdowns []func(context.Context) error

	tracer     trace.Tracer
	operations metric.Int64Counter
	failures   metric.Int64Counter
	latency    metric.Float64Histogram
	inflight   metric.Int64UpDownCounter
}

// New installs OTLP gRPC exporters when cfg.Enabled is set and returns a
// Provider. A disabled Provider still hands out working no-op instruments.
func New(ctx context.Context, cfg config.TelemetryConfig, version string) (*Provider, error) {
	p := &Provider{
		cfg:    cfg,
		logger: slog.Default().With("component", "observability"),
	}

	if cfg.Enabled {
		res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
		))
		if err != nil {
			return nil, fmt.Errorf("observability: resource: %w", err)
		}
		if err := p.installTracing(ctx, res); err != nil {
			return nil, err
		}
		if err := p.installMetrics(ctx, res); err != nil {
			_ = p.Shutdown(ctx)
			return nil, err
		}
		p.logger.InfoContext(ctx, "telemetry enabled",
			"endpoint", cfg.Endpoint, "sample_rate", cfg.SampleRate, "insecure", cfg.Insecure)
	}

	p.tracer = otel.Tracer(scope, trace.WithInstrumentationVersion(version))
	if err := p.instruments(otel.Meter(scope, metric.WithInstrumentationVersion(version))); err != nil {
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}
	return p, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

func (p *Provider) installTracing(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.cfg.Endpoint)}
	if p.cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sampler(p.cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	p.shutdowns = append(p.shutdowns, tp.Shutdown)
	return nil
}

func (p *Provider) installMetrics(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.cfg.Endpoint)}
	if p.cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(exportInterval))),
	)
	otel.SetMeterProvider(mp)
	p.shutdowns = append(p.shutdowns, mp.Shutdown)
	return nil
}

func (p *Provider) instruments(m metric.Meter) error {
	var err, e error
	p.operations, e = m.Int64Counter("webproof.cli.operations", metric.WithUnit("{operation}"),
		metric.WithDescription("CLI operations started"))
	err = errors.Join(err, e)
	p.failures, e = m.Int64Counter("webproof.cli.failures", metric.WithUnit("{operation}"),
		metric.WithDescription("CLI operations that returned an error"))
	err = errors.Join(err, e)
	p.latency, e = m.Float64Histogram("webproof.cli.duration", metric.WithUnit("s"),
		metric.WithDescription("CLI operation wall time"),
		metric.WithExplicitBucketBoundaries(0.05, 0.25, 1, 5, 15, 60, 300, 900))
	err = errors.Join(err, e)
	p.inflight, e = m.Int64UpDownCounter("webproof.cli.inflight", metric.WithUnit("{operation}"),
		metric.WithDescription("CLI operations in progress"))
	return errors.Join(err, e)
}

// Enabled reports whether exporters are installed.
func (p *Provider) Enabled() bool { return len(p.shutdowns) > 0 }

// Shutdown flushes pending telemetry. It is safe on a disabled Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.shutdowns) - 1; i >= 0; i-- {
		errs = append(errs, p.shutdowns[i](ctx))
	}
	p.shutdowns = nil
	return errors.Join(errs...)
}

// TrackOperation opens a span named op and counts it. The returned func
// records the outcome and must be called once.
func (p *Provider) TrackOperation(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "webproof."+op, trace.WithAttributes(attrs...))
	set := metric.WithAttributeSet(attribute.NewSet(attribute.String("operation", op)))
	p.operations.Add(ctx, 1, set)
	p.inflight.Add(ctx, 1, set)

	return ctx, func(err error) {
		p.inflight.Add(ctx, -1, set)
		p.latency.Record(ctx, time.Since(start).Seconds(), set)
		if err != nil {
			p.failures.Add(ctx, 1, set)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
