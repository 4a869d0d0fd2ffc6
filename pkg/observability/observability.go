// Package observability provides OpenTelemetry tracing and metrics for
// the boundary core: OTLP export over gRPC plus RED (Rate, Errors,
// Duration) counters for the evaluation and reconstruction paths.
// Disabled by default; when disabled all recording calls are no-ops.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns defaults with telemetry disabled. The core is a
// local trust boundary; exporting telemetry is an explicit opt-in.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "beap-boundary-core",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
	}
}

// Provider manages the trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	evaluationCounter metric.Int64Counter
	rejectionCounter  metric.Int64Counter
	toolRunCounter    metric.Int64Counter
	errorCounter      metric.Int64Counter
	durationHist      metric.Float64Histogram
}

// New creates an observability provider. With Enabled false it returns
// a provider whose recorders do nothing and whose tracer is the global
// (noop by default) tracer.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("beap.component", "core"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init traces: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init metrics: %w", err)
	}

	p.tracer = otel.Tracer("beapcore",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("beapcore",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("observability: init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initMetrics() error {
	var err error

	p.evaluationCounter, err = p.meter.Int64Counter("beap.evaluations.total",
		metric.WithDescription("Total packages evaluated"),
		metric.WithUnit("{package}"))
	if err != nil {
		return err
	}

	p.rejectionCounter, err = p.meter.Int64Counter("beap.rejections.total",
		metric.WithDescription("Total packages rejected, by rejection code"),
		metric.WithUnit("{package}"))
	if err != nil {
		return err
	}

	p.toolRunCounter, err = p.meter.Int64Counter("beap.tool_runs.total",
		metric.WithDescription("Total reconstruction tool executions"),
		metric.WithUnit("{run}"))
	if err != nil {
		return err
	}

	p.errorCounter, err = p.meter.Int64Counter("beap.errors.total",
		metric.WithDescription("Total internal errors"),
		metric.WithUnit("{error}"))
	if err != nil {
		return err
	}

	p.durationHist, err = p.meter.Float64Histogram("beap.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0))
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("beapcore")
	}
	return p.tracer
}

// RecordEvaluation counts one evaluation outcome.
func (p *Provider) RecordEvaluation(ctx context.Context, passed bool, attrs ...attribute.KeyValue) {
	if p.evaluationCounter == nil {
		return
	}
	allAttrs := append(attrs, attribute.Bool("beap.passed", passed))
	p.evaluationCounter.Add(ctx, 1, metric.WithAttributes(allAttrs...))
}

// RecordRejection counts one rejection by code.
func (p *Provider) RecordRejection(ctx context.Context, code string) {
	if p.rejectionCounter == nil {
		return
	}
	p.rejectionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("beap.rejection_code", code)))
}

// RecordToolRun counts one tool execution and its outcome.
func (p *Provider) RecordToolRun(ctx context.Context, toolID string, err error) {
	if p.toolRunCounter == nil {
		return
	}
	p.toolRunCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("beap.tool_id", toolID),
		attribute.Bool("beap.tool_failed", err != nil)))
	if err != nil && p.errorCounter != nil {
		p.errorCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("error.type", fmt.Sprintf("%T", err))))
	}
}

// RecordDuration records one operation's duration.
func (p *Provider) RecordDuration(ctx context.Context, op string, d time.Duration) {
	if p.durationHist == nil {
		return
	}
	p.durationHist.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("beap.operation", op)))
}
