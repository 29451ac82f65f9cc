package backend

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/kunal/infer-batcher/pkg/tensor"
)

// Policy selects how callers share a backend instance.
type Policy string

const (
	// PolicyUnrestricted calls the backend directly. The backend must be safe
	// for concurrent use.
	PolicyUnrestricted Policy = "unrestricted"
	// PolicyThrottled bounds concurrent calls per instance.
	PolicyThrottled Policy = "throttled"
	// PolicySerialized allows one call at a time, for non-reentrant sessions.
	PolicySerialized Policy = "serialized"
	// PolicyPooled round-robins calls over independent instances.
	PolicyPooled Policy = "pooled"
)

// Factory creates the i-th backend instance.
type Factory func(i int) (Backend, error)

// Options configures Build.
type Options struct {
	Policy Policy
	// PoolSize is the number of instances for PolicyPooled.
	PoolSize int
	// MaxConcurrent is the per-instance permit count for PolicyThrottled. With
	// PolicyPooled a positive value throttles each pooled instance as well.
	MaxConcurrent int
}

// Build creates the instances a policy needs and wraps them.
func Build(opts Options, factory Factory) (Backend, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: nil factory", ErrInvalidConfig)
	}

	switch opts.Policy {
	case PolicyUnrestricted, "":
		return factory(0)

	case PolicyThrottled:
		b, err := factory(0)
		if err != nil {
			return nil, err
		}
		t, err := NewThrottled(b, opts.MaxConcurrent)
		if err != nil {
			return nil, err
		}
		return t, nil

	case PolicySerialized:
		b, err := factory(0)
		if err != nil {
			return nil, err
		}
		return NewSerialized(b), nil

	case PolicyPooled:
		if opts.PoolSize <= 0 {
			return nil, fmt.Errorf("%w: pool size must be positive, got %d", ErrInvalidConfig, opts.PoolSize)
		}
		instances := make([]Backend, opts.PoolSize)
		for i := range instances {
			b, err := factory(i)
			if err != nil {
				return nil, fmt.Errorf("create pool instance %d: %w", i, err)
			}
			if opts.MaxConcurrent > 0 {
				t, err := NewThrottled(b, opts.MaxConcurrent)
				if err != nil {
					return nil, err
				}
				b = t
			}
			instances[i] = b
		}
		pool, err := NewPool(instances...)
		if err != nil {
			return nil, err
		}
		return pool, nil
	}

	return nil, fmt.Errorf("%w: unknown policy %q", ErrInvalidConfig, opts.Policy)
}

// Throttled limits concurrent Run calls on one instance with a counting semaphore.
type Throttled struct {
	inner Backend
	sem   *semaphore.Weighted
	limit int
}

func NewThrottled(inner Backend, limit int) (*Throttled, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: throttle limit must be positive, got %d", ErrInvalidConfig, limit)
	}
	return &Throttled{inner: inner, sem: semaphore.NewWeighted(int64(limit)), limit: limit}, nil
}

// NewSerialized admits one call at a time.
func NewSerialized(inner Backend) *Throttled {
	t, _ := NewThrottled(inner, 1)
	return t
}

func (t *Throttled) Run(ctx context.Context, inputs []tensor.Tensor[int64]) (*Output, error) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer t.sem.Release(1)
	return t.inner.Run(ctx, inputs)
}

func (t *Throttled) Name() string {
	if t.limit == 1 {
		return t.inner.Name() + "/serialized"
	}
	return fmt.Sprintf("%s/throttled(%d)", t.inner.Name(), t.limit)
}
