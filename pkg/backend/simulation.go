package backend

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"github.com/kunal/infer-batcher/pkg/tensor"
)

// Simulated mimics a GPU session with CPU work plus sleep. Logits are a pure
// function of the unpadded token ids, so repeated inputs score identically.
type Simulated struct {
	BaseLatency time.Duration // per-batch base latency (default 5ms)
	RowLatency  time.Duration // added per row
	NumClasses  int
}

func NewSimulated(baseLatencyMs, numClasses int) *Simulated {
	if baseLatencyMs <= 0 {
		baseLatencyMs = 5
	}
	if numClasses <= 0 {
		numClasses = 2
	}
	return &Simulated{
		BaseLatency: time.Duration(baseLatencyMs) * time.Millisecond,
		RowLatency:  500 * time.Microsecond,
		NumClasses:  numClasses,
	}
}

func (s *Simulated) Name() string { return "simulation" }

// Run expects [token_ids, attention_mask]; the mask is optional.
func (s *Simulated) Run(ctx context.Context, inputs []tensor.Tensor[int64]) (*Output, error) {
	if len(inputs) == 0 {
		return nil, Fail(s.Name(), errors.New("no input tensors"))
	}
	ids := inputs[0]
	rows := ids.Rows()
	if rows == 0 {
		return nil, Fail(s.Name(), errors.New("empty batch"))
	}
	var mask *tensor.Tensor[int64]
	if len(inputs) > 1 {
		if inputs[1].Rows() != rows || inputs[1].Cols() != ids.Cols() {
			return nil, Fail(s.Name(), fmt.Errorf("%w: mask %v does not match ids %v", tensor.ErrShape, inputs[1].Shape(), ids.Shape()))
		}
		mask = &inputs[1]
	}

	// Sublinear in batch size, as real GPUs are.
	latency := s.BaseLatency + time.Duration(float64(rows)*float64(s.RowLatency)*0.5)
	matrixWork(32)
	timer := time.NewTimer(latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, Fail(s.Name(), ctx.Err())
	case <-timer.C:
	}

	logits := tensor.Zeros[float32](tensor.Shape{int64(rows), int64(s.NumClasses)})
	for i := 0; i < rows; i++ {
		h := fnv.New64a()
		row := ids.MustRow(i)
		var maskRow []int64
		if mask != nil {
			maskRow = mask.MustRow(i)
		}
		var buf [8]byte
		for j, id := range row {
			if maskRow != nil && maskRow[j] == 0 {
				break
			}
			for k := range buf {
				buf[k] = byte(id >> (8 * k))
			}
			h.Write(buf[:])
		}
		seed := h.Sum64()
		out := logits.MustRow(i)
		for c := range out {
			seed = seed*6364136223846793005 + 1442695040888963407
			out[c] = float32(seed>>40)/float32(1<<24)*4 - 2
		}
	}

	return NewOutput([]tensor.Tensor[float32]{logits}, nil), nil
}

// matrixWork performs an NxN matrix multiplication to create real CPU load.
func matrixWork(n int) {
	a := make([][]float64, n)
	b := make([][]float64, n)
	c := make([][]float64, n)
	for i := 0; i < n; i++ {
		a[i] = make([]float64, n)
		b[i] = make([]float64, n)
		c[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			a[i][j] = rand.Float64()
			b[i][j] = rand.Float64()
		}
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			sum := 0.0
			for k := 0; k < n; k++ {
				sum += a[i][k] * b[k][j]
			}
			c[i][j] = sum
		}
	}
	// Prevent compiler from optimizing away the computation
	_ = math.Sqrt(c[0][0])
}
