// SPDX-License-Identifier: LGPL-3.0-or-later

// Package tracing provides OpenTelemetry distributed tracing support for the
// vm lifecycle controller.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds tracing configuration.
type Config struct {
	Enabled bool

	ServiceName    string
	ServiceVersion string
	Environment    string

	// Exporter selects stdout, otlp or jaeger.
	Exporter string

	JaegerEndpoint string
	OTLPEndpoint   string

	SamplingRate float64

	MaxExportBatchSize int
	MaxQueueSize       int
	ExportTimeout      time.Duration
}

// ConfigFromEnv builds a Config from OTEL_EXPORTER/OTEL_EXPORTER_OTLP_ENDPOINT
// style environment variables, defaulting to a disabled stdout exporter.
func ConfigFromEnv(getenv func(string) string) *Config {
	cfg := DefaultConfig("vmsupervisor")
	if exporter := getenv("OTEL_EXPORTER"); exporter != "" {
		cfg.Enabled = true
		cfg.Exporter = exporter
	}
	if endpoint := getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Enabled = true
		cfg.Exporter = "otlp"
		cfg.OTLPEndpoint = endpoint
	}
	if endpoint := getenv("OTEL_EXPORTER_JAEGER_ENDPOINT"); endpoint != "" {
		cfg.Enabled = true
		cfg.Exporter = "jaeger"
		cfg.JaegerEndpoint = endpoint
	}
	return cfg
}

// DefaultConfig returns default tracing configuration.
func DefaultConfig(serviceName string) *Config {
	return &Config{
		Enabled:            false,
		ServiceName:        serviceName,
		ServiceVersion:     "1.0.0",
		Environment:        "production",
		Exporter:           "stdout",
		JaegerEndpoint:     "http://localhost:14268/api/traces",
		OTLPEndpoint:       "localhost:4317",
		SamplingRate:       1.0,
		MaxExportBatchSize: 512,
		MaxQueueSize:       2048,
		ExportTimeout:      30 * time.Second,
	}
}

// Provider wraps the OpenTelemetry trace provider.
type Provider struct {
	provider *sdktrace.TracerProvider
	config   *Config
}

// NewProvider creates a new tracing provider. A disabled config returns a
// no-op provider so callers never need to nil-check.
func NewProvider(config *Config) (*Provider, error) {
	if !config.Enabled {
		return &Provider{provider: sdktrace.NewTracerProvider(), config: config}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := createExporter(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case config.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(
			exporter,
			sdktrace.WithMaxExportBatchSize(config.MaxExportBatchSize),
			sdktrace.WithMaxQueueSize(config.MaxQueueSize),
			sdktrace.WithExportTimeout(config.ExportTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return &Provider{provider: provider, config: config}, nil
}

// Shutdown flushes and shuts down the tracing provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}

// Tracer returns a tracer for the given name.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p.provider == nil {
		return otel.Tracer(name)
	}
	return p.provider.Tracer(name)
}

func createExporter(config *Config) (sdktrace.SpanExporter, error) {
	switch config.Exporter {
	case "jaeger":
		return jaeger.New(
			jaeger.WithCollectorEndpoint(
				jaeger.WithEndpoint(config.JaegerEndpoint),
			),
		)
	case "otlp":
		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(config.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		return otlptrace.New(context.Background(), client)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", config.Exporter)
	}
}

// SpanFromContext returns the span carried on ctx.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error, opts ...trace.EventOption) {
	trace.SpanFromContext(ctx).RecordError(err, opts...)
}

// SetStatus sets the status of the current span.
func SetStatus(ctx context.Context, code codes.Code, description string) {
	trace.SpanFromContext(ctx).SetStatus(code, description)
}

// Attribute keys shared across lifecycle phase spans.
var (
	AttrVMName       = attribute.Key("vm.name")
	AttrVMArch       = attribute.Key("vm.arch")
	AttrVMState      = attribute.Key("vm.state")
	AttrPhase        = attribute.Key("lifecycle.phase")
	AttrOperation    = attribute.Key("operation")
	AttrHTTPMethod   = attribute.Key("http.method")
	AttrHTTPPath     = attribute.Key("http.path")
	AttrHTTPStatus   = attribute.Key("http.status_code")
	AttrErrorType    = attribute.Key("error.type")
	AttrErrorMessage = attribute.Key("error.message")
)

// TraceLifecyclePhase traces one phase of the connect/prepare/start/wait/
// cleanup state machine.
func TraceLifecyclePhase(ctx context.Context, tracer trace.Tracer, phase, vmName string) (context.Context, trace.Span) {
	return tracer.Start(ctx, fmt.Sprintf("lifecycle.%s", phase),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrPhase.String(phase),
			AttrVMName.String(vmName),
		),
	)
}

// TraceHTTPRequest traces a status-server HTTP request.
func TraceHTTPRequest(ctx context.Context, tracer trace.Tracer, method, path string) (context.Context, trace.Span) {
	return tracer.Start(ctx, fmt.Sprintf("HTTP %s %s", method, path),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			AttrHTTPMethod.String(method),
			AttrHTTPPath.String(path),
		),
	)
}
