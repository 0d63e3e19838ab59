// Package tracing initializes OpenTelemetry export for agent cycles and
// session operations. Disabled telemetry costs nothing: a no-op tracer
// provider stands in until Init succeeds.
package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nextlevelbuilder/orka/internal/config"
	"github.com/nextlevelbuilder/orka/internal/faults"
)

var (
	mu       sync.RWMutex
	provider trace.TracerProvider = noop.NewTracerProvider()
	sdkProv  *sdktrace.TracerProvider
)

// Init configures the OTLP exporter from config. Returns without side
// effects when telemetry is disabled.
func Init(ctx context.Context, cfg config.TelemetryConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Endpoint == "" {
		return faults.New(faults.Validation, "telemetry enabled without an endpoint")
	}

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithHeaders(cfg.Headers),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithHeaders(cfg.Headers),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return faults.New(faults.Validation, "unknown telemetry protocol %q", cfg.Protocol)
	}
	if err != nil {
		return faults.Wrap(faults.BackendUnavailable, err, "create OTLP exporter")
	}

	name := cfg.ServiceName
	if name == "" {
		name = "orka"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(name)))
	if err != nil {
		res = resource.Default()
	}

	p := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	mu.Lock()
	sdkProv = p
	provider = p
	mu.Unlock()
	otel.SetTracerProvider(p)
	return nil
}

// Tracer returns a named tracer. No-op until Init enables export.
func Tracer(name string) trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	return provider.Tracer(name)
}

// Shutdown flushes pending spans.
func Shutdown(ctx context.Context) error {
	mu.RLock()
	p := sdkProv
	mu.RUnlock()
	if p == nil {
		return nil
	}
	return p.Shutdown(ctx)
}
