// Package observe provides the tracing hook the pipeline and orchestrator
// report spans through. Components behave identically with Nop.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EndFunc closes a span; err marks it failed when non-nil.
type EndFunc func(err error)

// Observer opens spans around pipeline and orchestrator stages.
type Observer interface {
	Begin(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, EndFunc)
}

// Nop discards all spans.
type Nop struct{}

func (Nop) Begin(ctx context.Context, _ string, _ ...attribute.KeyValue) (context.Context, EndFunc) {
	return ctx, func(error) {}
}

// OrNop returns o, or Nop when o is nil.
func OrNop(o Observer) Observer {
	if o == nil {
		return Nop{}
	}
	return o
}

// OTel reports spans to an OpenTelemetry tracer.
type OTel struct {
	tracer trace.Tracer
}

func NewOTel(tp trace.TracerProvider) *OTel {
	return &OTel{tracer: tp.Tracer("github.com/kunal/infer-batcher")}
}

func (o *OTel) Begin(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, EndFunc) {
	ctx, span := o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
