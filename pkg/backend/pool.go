package backend

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/kunal/infer-batcher/pkg/tensor"
)

// RoundRobin is a lock-free counter cycling through [0, n).
type RoundRobin struct {
	n    uint64
	next atomic.Uint64
}

func NewRoundRobin(n int) (*RoundRobin, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: round robin size must be positive, got %d", ErrInvalidConfig, n)
	}
	return &RoundRobin{n: uint64(n)}, nil
}

// Next returns 0, 1, ..., n-1, 0, ... across all callers.
func (r *RoundRobin) Next() int {
	return int((r.next.Add(1) - 1) % r.n)
}

// Pool distributes calls over a fixed set of independent instances. The
// instance count never changes after construction.
type Pool struct {
	instances []Backend
	rr        *RoundRobin
}

func NewPool(instances ...Backend) (*Pool, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: pool needs at least one instance", ErrInvalidConfig)
	}
	rr, err := NewRoundRobin(len(instances))
	if err != nil {
		return nil, err
	}
	return &Pool{instances: instances, rr: rr}, nil
}

func (p *Pool) Run(ctx context.Context, inputs []tensor.Tensor[int64]) (*Output, error) {
	return p.instances[p.rr.Next()].Run(ctx, inputs)
}

func (p *Pool) Size() int { return len(p.instances) }

func (p *Pool) Name() string {
	return fmt.Sprintf("pool(%d x %s)", len(p.instances), p.instances[0].Name())
}
