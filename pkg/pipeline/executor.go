package pipeline

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"
)

// Kind names one of the executor variants.
type Kind string

const (
	KindSerial     Kind = "serial"
	KindParallel   Kind = "parallel"
	KindOutOfOrder Kind = "out_of_order"
)

// Executor slices a batch into sub-batches and schedules Processor calls over
// them. out always has len(reqs) slots; out[i] must end up holding the result
// for reqs[i].
type Executor[Req, Res any] interface {
	Execute(ctx context.Context, p Processor[Req, Res], reqs []Req, out []Res) error
	Kind() Kind
}

// ExecutorConfig selects and configures an executor.
type ExecutorConfig struct {
	Kind Kind
	// Inner is the executor wrapped by KindOutOfOrder (default serial).
	Inner        Kind
	MaxBatchSize int
	// MaxConcurrency bounds concurrent sub-batches for KindParallel; 0 means unbounded.
	MaxConcurrency int
}

// CostFunc estimates how expensive a request is, e.g. its token count.
type CostFunc[Req any] func(Req) int

// NewExecutor builds the configured executor. cost is required for KindOutOfOrder.
func NewExecutor[Req comparable, Res any](cfg ExecutorConfig, cost CostFunc[Req]) (Executor[Req, Res], error) {
	switch cfg.Kind {
	case KindSerial:
		e, err := NewSerial[Req, Res](cfg.MaxBatchSize)
		if err != nil {
			return nil, err
		}
		return e, nil
	case KindParallel:
		e, err := NewParallel[Req, Res](cfg.MaxBatchSize, cfg.MaxConcurrency)
		if err != nil {
			return nil, err
		}
		return e, nil
	case KindOutOfOrder:
		if cfg.Inner == KindOutOfOrder {
			return nil, fmt.Errorf("%w: out_of_order cannot wrap itself", ErrInvalidConfig)
		}
		innerCfg := cfg
		innerCfg.Kind = cmp.Or(cfg.Inner, KindSerial)
		inner, err := NewExecutor[Req, Res](innerCfg, cost)
		if err != nil {
			return nil, err
		}
		e, err := NewOutOfOrder(inner, cost)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
	return nil, fmt.Errorf("%w: unknown executor kind %q", ErrInvalidConfig, cfg.Kind)
}

type span struct{ start, end int }

// spans cuts [0, n) into consecutive ranges of at most size elements.
func spans(n, size int) []span {
	out := make([]span, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		out = append(out, span{start, min(start+size, n)})
	}
	return out
}

// Serial runs sub-batches one after another.
type Serial[Req, Res any] struct {
	maxBatchSize int
}

func NewSerial[Req, Res any](maxBatchSize int) (*Serial[Req, Res], error) {
	if maxBatchSize <= 0 {
		return nil, fmt.Errorf("%w: max batch size must be positive, got %d", ErrInvalidConfig, maxBatchSize)
	}
	return &Serial[Req, Res]{maxBatchSize: maxBatchSize}, nil
}

func (e *Serial[Req, Res]) Kind() Kind { return KindSerial }

func (e *Serial[Req, Res]) Execute(ctx context.Context, p Processor[Req, Res], reqs []Req, out []Res) error {
	for _, s := range spans(len(reqs), e.maxBatchSize) {
		if err := p.ProcessBatch(ctx, reqs[s.start:s.end], out[s.start:s.end]); err != nil {
			return err
		}
	}
	return nil
}

// Parallel dispatches sub-batches concurrently. Each sub-batch writes its own
// slice of out, so no merge step is needed.
type Parallel[Req, Res any] struct {
	maxBatchSize   int
	maxConcurrency int
}

func NewParallel[Req, Res any](maxBatchSize, maxConcurrency int) (*Parallel[Req, Res], error) {
	if maxBatchSize <= 0 {
		return nil, fmt.Errorf("%w: max batch size must be positive, got %d", ErrInvalidConfig, maxBatchSize)
	}
	if maxConcurrency < 0 {
		return nil, fmt.Errorf("%w: max concurrency must not be negative, got %d", ErrInvalidConfig, maxConcurrency)
	}
	return &Parallel[Req, Res]{maxBatchSize: maxBatchSize, maxConcurrency: maxConcurrency}, nil
}

func (e *Parallel[Req, Res]) Kind() Kind { return KindParallel }

// Execute waits for every started sub-batch and returns the first failure.
// Once a sub-batch fails no further sub-batches are started.
func (e *Parallel[Req, Res]) Execute(ctx context.Context, p Processor[Req, Res], reqs []Req, out []Res) error {
	g, gctx := errgroup.WithContext(ctx)
	if e.maxConcurrency > 0 {
		g.SetLimit(e.maxConcurrency)
	}
	skipped := false
	for _, s := range spans(len(reqs), e.maxBatchSize) {
		if gctx.Err() != nil {
			skipped = true
			break
		}
		g.Go(func() error {
			return p.ProcessBatch(gctx, reqs[s.start:s.end], out[s.start:s.end])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if skipped {
		return ctx.Err()
	}
	return nil
}

// OutOfOrder sorts requests by estimated cost before delegating, so similarly
// sized inputs share a sub-batch and batch-local padding stays small. Results
// are permuted back to request order afterwards.
type OutOfOrder[Req comparable, Res any] struct {
	inner Executor[Req, Res]
	cost  CostFunc[Req]
}

func NewOutOfOrder[Req comparable, Res any](inner Executor[Req, Res], cost CostFunc[Req]) (*OutOfOrder[Req, Res], error) {
	if inner == nil || cost == nil {
		return nil, fmt.Errorf("%w: out_of_order needs an inner executor and a cost function", ErrInvalidConfig)
	}
	return &OutOfOrder[Req, Res]{inner: inner, cost: cost}, nil
}

func (e *OutOfOrder[Req, Res]) Kind() Kind { return KindOutOfOrder }

// Inner returns the wrapped executor.
func (e *OutOfOrder[Req, Res]) Inner() Executor[Req, Res] { return e.inner }

func (e *OutOfOrder[Req, Res]) Execute(ctx context.Context, p Processor[Req, Res], reqs []Req, out []Res) error {
	order := e.order(reqs)

	sorted := make([]Req, len(reqs))
	for k, i := range order {
		sorted[k] = reqs[i]
	}
	results := make([]Res, len(reqs))
	if err := e.inner.Execute(ctx, p, sorted, results); err != nil {
		return err
	}
	for k, i := range order {
		out[i] = results[k]
	}
	return nil
}

// order returns request indices sorted by ascending cost, ties by index.
// Costs are memoized for duplicate requests within this call only.
func (e *OutOfOrder[Req, Res]) order(reqs []Req) []int {
	seen := make(map[Req]int, len(reqs))
	costs := make([]int, len(reqs))
	order := make([]int, len(reqs))
	for i, r := range reqs {
		c, ok := seen[r]
		if !ok {
			c = e.cost(r)
			seen[r] = c
		}
		costs[i] = c
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(costs[a], costs[b])
	})
	return order
}
