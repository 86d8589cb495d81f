// Package telemetry wires OpenTelemetry tracing and log export over OTLP/HTTP.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	exportTimeout = 30 * time.Second
	maxQueueSize  = 2048
)

type Settings struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint is the OTLP/HTTP base URL. Empty disables export.
	Endpoint string
}

func (s Settings) Enabled() bool {
	return s.Endpoint != ""
}

// Providers holds what Setup installed globally.
type Providers struct {
	TracerProvider trace.TracerProvider
	shutdownFuncs  []func(context.Context) error
}

// Shutdown flushes and stops every exporter. Safe to call more than once.
func (p *Providers) Shutdown(ctx context.Context) error {
	var err error
	for _, fn := range p.shutdownFuncs {
		err = errors.Join(err, fn(ctx))
	}
	p.shutdownFuncs = nil
	return err
}

// Setup installs the W3C propagators and, when an endpoint is configured,
// the trace and log providers. Without an endpoint the global no-op tracer
// provider is returned.
func Setup(ctx context.Context, s Settings) (*Providers, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p := &Providers{TracerProvider: otel.GetTracerProvider()}
	if !s.Enabled() {
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(s.ServiceName),
			semconv.ServiceVersion(s.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	traceExporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(s.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(traceExporter,
			sdktrace.WithExportTimeout(exportTimeout),
			sdktrace.WithMaxQueueSize(maxQueueSize),
		)),
	)
	otel.SetTracerProvider(tp)
	p.TracerProvider = tp
	p.shutdownFuncs = append(p.shutdownFuncs, tp.Shutdown)

	logExporter, err := otlploghttp.New(ctx, otlploghttp.WithEndpointURL(s.Endpoint))
	if err != nil {
		return p, errors.Join(fmt.Errorf("otlp log exporter: %w", err), p.Shutdown(ctx))
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter,
			sdklog.WithExportTimeout(exportTimeout),
			sdklog.WithMaxQueueSize(maxQueueSize),
		)),
	)
	global.SetLoggerProvider(lp)
	p.shutdownFuncs = append(p.shutdownFuncs, lp.Shutdown)

	return p, nil
}
