package observe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNop(t *testing.T) {
	ctx := context.Background()
	got, end := OrNop(nil).Begin(ctx, "noop")
	assert.Equal(t, ctx, got)
	end(errors.New("ignored"))
}

func TestOTelRecordsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	obs := NewOTel(tp)

	_, end := obs.Begin(context.Background(), "orchestrated-predict", attribute.Int("dynamic_batch_size", 4))
	end(nil)
	_, end = obs.Begin(context.Background(), "process-batch")
	end(errors.New("backend down"))

	spans := rec.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "orchestrated-predict", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.Int("dynamic_batch_size", 4))
	assert.Equal(t, codes.Unset, spans[0].Status().Code)

	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "backend down", spans[1].Status().Description)
}

func TestTracingDisabled(t *testing.T) {
	tr, err := StartTracing(context.Background(), "", "worker", nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, tr.Observer())
	assert.NoError(t, tr.Shutdown(context.Background()))

	var none *Tracing
	assert.IsType(t, Nop{}, none.Observer())
	assert.NoError(t, none.Shutdown(context.Background()))
}
