package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Config selects what to export and where. Disabled by default; the
// workflow runs fine without a collector.
type Config struct {
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	Environment    string  `yaml:"environment"`
	CollectorURL   string  `yaml:"collector_url"`
	EnableTracing  bool    `yaml:"enable_tracing"`
	EnableMetrics  bool    `yaml:"enable_metrics"`
	SamplingRatio  float64 `yaml:"sampling_ratio"`
}

// Provider owns the OTel tracer/meter providers plus the workflow
// instruments.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Workflow       *WorkflowMetrics
}

func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "kpiflow"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p := &Provider{}
	if cfg.EnableTracing {
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.CollectorURL), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("init trace exporter: %w", err)
		}
		ratio := cfg.SamplingRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 1
		}
		p.TracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(exp),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		)
		otel.SetTracerProvider(p.TracerProvider)
	}
	if cfg.EnableMetrics {
		exp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(cfg.CollectorURL), otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("init metric exporter: %w", err)
		}
		p.MeterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second))),
		)
		otel.SetMeterProvider(p.MeterProvider)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	wm, err := NewWorkflowMetrics(otel.Meter("kpiflow.workflow"))
	if err != nil {
		return nil, fmt.Errorf("create workflow metrics: %w", err)
	}
	p.Workflow = wm
	return p, nil
}

// Shutdown flushes exporters; safe on a partially initialised provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var first error
	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			first = err
		}
	}
	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
