// Package classify assembles a text-classification pipeline: tokenize the
// batch, run the backend, and turn each logits row into a label with a
// softmax confidence.
package classify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/kunal/infer-batcher/pkg/backend"
	"github.com/kunal/infer-batcher/pkg/pipeline"
	"github.com/kunal/infer-batcher/pkg/tensor"
	"github.com/kunal/infer-batcher/pkg/tokenize"
)

// ErrInvalidLogits is returned by Decide when a logits row contains NaN.
var ErrInvalidLogits = errors.New("classify: logits contain NaN")

// Result is the prediction for one request. Logits are the raw scores the
// backend produced, kept for auditing.
type Result[L any] struct {
	Label      L
	Index      int
	Confidence float32
	Logits     []float32
}

// Softmax returns probabilities for logits. The row maximum is subtracted
// before exponentiating so large logits cannot overflow. +Inf entries share
// all the probability mass; an all -Inf row is uniform. NaN propagates.
func Softmax(logits []float32) []float32 {
	probs := make([]float32, len(logits))
	if len(logits) == 0 {
		return probs
	}
	peak := slices.Max(logits)
	switch {
	case math.IsInf(float64(peak), 1):
		n := 0
		for _, v := range logits {
			if math.IsInf(float64(v), 1) {
				n++
			}
		}
		for i, v := range logits {
			if math.IsInf(float64(v), 1) {
				probs[i] = 1 / float32(n)
			}
		}
		return probs
	case math.IsInf(float64(peak), -1):
		for i := range probs {
			probs[i] = 1 / float32(len(probs))
		}
		return probs
	}
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - peak))
		probs[i] = float32(e)
		sum += e
	}
	for i := range probs {
		probs[i] = float32(float64(probs[i]) / sum)
	}
	return probs
}

// Decide picks the arg-max label for one logits row.
func Decide[L any](labels []L, logits []float32) (Result[L], error) {
	if len(logits) != len(labels) || len(labels) == 0 {
		return Result[L]{}, fmt.Errorf("%w: %d logits for %d labels", pipeline.ErrShapeMismatch, len(logits), len(labels))
	}
	if slices.ContainsFunc(logits, func(v float32) bool { return v != v }) {
		return Result[L]{}, fmt.Errorf("%w: %v", ErrInvalidLogits, logits)
	}
	probs := Softmax(logits)
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return Result[L]{
		Label:      labels[best],
		Index:      best,
		Confidence: probs[best],
		Logits:     slices.Clone(logits),
	}, nil
}

// NewExecutor builds an executor whose out-of-order cost is the request's token count.
func NewExecutor[L any](cfg pipeline.ExecutorConfig, tok *tokenize.Tokenizer) (pipeline.Executor[string, Result[L]], error) {
	return pipeline.NewExecutor[string, Result[L]](cfg, tok.CountTokens)
}

// NewPipeline wires tokenizer, backend and labels into a pipeline. The
// backend receives [token_ids, attention_mask].
func NewPipeline[L any](
	tok *tokenize.Tokenizer,
	be backend.Backend,
	labels []L,
	exec pipeline.Executor[string, Result[L]],
	opts ...pipeline.Option,
) (*pipeline.Pipeline[string, Result[L]], error) {
	if tok == nil || be == nil {
		return nil, fmt.Errorf("%w: tokenizer and backend are required", pipeline.ErrInvalidConfig)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("%w: at least one label is required", pipeline.ErrInvalidConfig)
	}
	labels = slices.Clone(labels)

	preprocess := func(_ context.Context, texts []string) (tokenize.Batch, error) {
		return tok.EncodeBatch(texts), nil
	}

	compute := func(ctx context.Context, batch tokenize.Batch) (*backend.Output, error) {
		out, err := be.Run(ctx, []tensor.Tensor[int64]{batch.IDs, batch.Mask})
		if err != nil {
			out.Release()
			return nil, backend.Fail(be.Name(), err)
		}
		return out, nil
	}

	postprocess := func(texts []string, batch tokenize.Batch, out *backend.Output, results []Result[L]) error {
		defer out.Release()

		logits, err := out.Logits()
		if err != nil {
			return err
		}
		if logits.Rows() != len(texts) || logits.Cols() != len(labels) {
			return fmt.Errorf("%w: logits %v for %d requests and %d labels", pipeline.ErrShapeMismatch, logits.Shape(), len(texts), len(labels))
		}
		for i := range texts {
			r, err := Decide(labels, logits.MustRow(i))
			if err != nil {
				return err
			}
			results[i] = r
		}
		return nil
	}

	return pipeline.New(pipeline.Stages(preprocess, compute, postprocess), exec, opts...)
}
