// Package otel wires OpenTelemetry tracing and metrics for the conductor
// daemon. A disabled config yields no-op providers, so every caller can
// hold a Tracer and Meter unconditionally.
package otel

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Instrumentation scope shared by spans and instruments.
const (
	TracerName = "github.com/basket/conductor"
	MeterName  = TracerName
)

// Span exporters accepted in otel.exporter.
const (
	ExporterOTLPHTTP = "otlp-http"
	ExporterStdout   = "stdout"
	ExporterNone     = "none"
)

const defaultOTLPEndpoint = "localhost:4318"

// Config is the otel section of config.yaml.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	// Headers are sent with every OTLP export, typically a collector API key.
	Headers map[string]string `yaml:"headers,omitempty"`
	// Secure switches the OTLP exporter to HTTPS.
	Secure bool `yaml:"secure"`
}

// Validate checks the exporter name and sample rate.
func (c Config) Validate() error {
	var errs []error
	switch c.Exporter {
	case "", ExporterOTLPHTTP, ExporterStdout, ExporterNone:
	default:
		errs = append(errs, fmt.Errorf("otel.exporter %q is not one of %s, %s, %s", c.Exporter, ExporterOTLPHTTP, ExporterStdout, ExporterNone))
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("otel.sample_rate must be within [0,1], got %v", c.SampleRate))
	}
	return errors.Join(errs...)
}

// Provider bundles the tracer and meter handed to the daemon's components.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	// InstanceID identifies this daemon process in exported telemetry.
	InstanceID string

	tp       *sdktrace.TracerProvider
	shutdown []func(context.Context) error
}

type options struct {
	version  string
	exporter sdktrace.SpanExporter
	readers  []sdkmetric.Reader
}

// Option adjusts Init.
type Option func(*options)

// WithVersion sets the service.version resource attribute.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithSpanExporter overrides the exporter named in Config.
func WithSpanExporter(e sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = e }
}

// WithMetricReader attaches a reader to the meter provider. Without one,
// instruments record into a provider nobody collects from.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *options) { o.readers = append(o.readers, r) }
}

// Init builds the providers described by cfg. The returned Provider must be
// shut down on exit to flush batched spans.
func Init(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}
	if !cfg.Enabled {
		return &Provider{
			Tracer: nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:  noop.NewMeterProvider().Meter(MeterName),
		}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	instanceID := uuid.NewString()
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "conductor"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(o.version),
		semconv.ServiceInstanceID(instanceID),
	))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	exporter := o.exporter
	if exporter == nil {
		if exporter, err = newSpanExporter(ctx, cfg); err != nil {
			return nil, err
		}
	}

	rate := cfg.SampleRate
	if rate == 0 {
		rate = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(tp)

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range o.readers {
		mpOpts = append(mpOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)

	return &Provider{
		Tracer:     tp.Tracer(TracerName),
		Meter:      mp.Meter(MeterName),
		InstanceID: instanceID,
		tp:         tp,
		shutdown:   []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	}, nil
}

// Enabled reports whether spans are recorded and exported.
func (p *Provider) Enabled() bool { return p.tp != nil }

// Flush exports every span ended so far.
func (p *Provider) Flush(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.ForceFlush(ctx)
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLPHTTP, "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if !cfg.Secure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(maps.Clone(cfg.Headers)))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		return exp, nil
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return discardExporter{}, nil
	}
}

// discardExporter drops spans. Tracing stays on so trace ids still reach
// the logs.
type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
