// Package pipeline runs batched inference as preprocess -> compute ->
// postprocess, with a pluggable Executor deciding how a large batch is split
// into sub-batches and scheduled.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kunal/infer-batcher/pkg/observe"
)

var (
	// ErrInvalidConfig is returned by constructors given unusable limits.
	ErrInvalidConfig = errors.New("pipeline: invalid config")
	// ErrShapeMismatch is returned when inputs, outputs or model results disagree in size.
	ErrShapeMismatch = errors.New("pipeline: shape mismatch")
)

// BatchFunc processes reqs and writes one result per request into out, in
// place. It must be safe to call concurrently on disjoint slices of one
// output array.
type BatchFunc[Req, Res any] func(ctx context.Context, reqs []Req, out []Res) error

// Stages composes the three pipeline stages into a BatchFunc. The
// intermediate types stay private to the composition, so the pipeline and its
// executors only see Req and Res.
func Stages[Req, Pre, Mid, Res any](
	preprocess func(ctx context.Context, reqs []Req) (Pre, error),
	compute func(ctx context.Context, pre Pre) (Mid, error),
	postprocess func(reqs []Req, pre Pre, mid Mid, out []Res) error,
) BatchFunc[Req, Res] {
	return func(ctx context.Context, reqs []Req, out []Res) error {
		pre, err := preprocess(ctx, reqs)
		if err != nil {
			return fmt.Errorf("preprocess: %w", err)
		}
		mid, err := compute(ctx, pre)
		if err != nil {
			return err
		}
		return postprocess(reqs, pre, mid, out)
	}
}

// Processor is what an Executor drives: one call per sub-batch.
type Processor[Req, Res any] interface {
	ProcessBatch(ctx context.Context, reqs []Req, out []Res) error
}

// Option configures a Pipeline.
type Option func(*options)

type options struct {
	observer observe.Observer
}

// WithObserver reports a span per processed sub-batch.
func WithObserver(o observe.Observer) Option {
	return func(opts *options) { opts.observer = o }
}

// Pipeline is generic over request and result types only.
type Pipeline[Req, Res any] struct {
	process  BatchFunc[Req, Res]
	exec     Executor[Req, Res]
	observer observe.Observer
}

func New[Req, Res any](process BatchFunc[Req, Res], exec Executor[Req, Res], opts ...Option) (*Pipeline[Req, Res], error) {
	if process == nil {
		return nil, fmt.Errorf("%w: nil batch function", ErrInvalidConfig)
	}
	if exec == nil {
		return nil, fmt.Errorf("%w: nil executor", ErrInvalidConfig)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Pipeline[Req, Res]{process: process, exec: exec, observer: observe.OrNop(o.observer)}, nil
}

// Executor returns the configured batch executor.
func (p *Pipeline[Req, Res]) Executor() Executor[Req, Res] { return p.exec }

// Predict runs a single request as a batch of one.
func (p *Pipeline[Req, Res]) Predict(ctx context.Context, req Req) (Res, error) {
	out := make([]Res, 1)
	if err := p.ProcessBatch(ctx, []Req{req}, out); err != nil {
		var zero Res
		return zero, err
	}
	return out[0], nil
}

// BatchPredict returns one result per request, in request order.
func (p *Pipeline[Req, Res]) BatchPredict(ctx context.Context, reqs []Req) ([]Res, error) {
	out := make([]Res, len(reqs))
	if len(reqs) == 0 {
		return out, nil
	}
	if err := p.exec.Execute(ctx, p, reqs, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ProcessBatch runs one sub-batch through all three stages.
func (p *Pipeline[Req, Res]) ProcessBatch(ctx context.Context, reqs []Req, out []Res) error {
	if len(reqs) != len(out) {
		return fmt.Errorf("%w: %d requests, %d output slots", ErrShapeMismatch, len(reqs), len(out))
	}
	if len(reqs) == 0 {
		return nil
	}
	ctx, end := p.observer.Begin(ctx, "process-batch", attribute.Int("batch_size", len(reqs)))
	err := p.process(ctx, reqs, out)
	end(err)
	return err
}
