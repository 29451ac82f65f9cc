package observe

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

// Tracing owns the tracer provider behind an Observer. The zero value is a
// disabled setup whose Observer is Nop.
type Tracing struct {
	tp *sdktrace.TracerProvider
}

// StartTracing exports spans over OTLP/gRPC to endpoint. An empty endpoint
// disables tracing without connecting anywhere.
func StartTracing(ctx context.Context, endpoint, serviceName string, logger *zap.Logger) (*Tracing, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if endpoint == "" {
		logger.Info("tracing disabled")
		return &Tracing{}, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing initialized", zap.String("endpoint", endpoint), zap.String("service_name", serviceName))
	return &Tracing{tp: tp}, nil
}

// Observer reports to the exporter, or is Nop when tracing is disabled.
func (t *Tracing) Observer() Observer {
	if t == nil || t.tp == nil {
		return Nop{}
	}
	return NewOTel(t.tp)
}

// Shutdown flushes pending spans. Safe on a disabled setup.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t == nil || t.tp == nil {
		return nil
	}
	if err := t.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}
