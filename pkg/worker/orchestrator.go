// Package worker serves single-item predictions by aggregating them into
// dynamic batches, and exposes the result over gRPC, Prometheus and a
// websocket stats feed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kunal/infer-batcher/pkg/observe"
)

var (
	// ErrInvalidConfig is returned by New for unusable limits.
	ErrInvalidConfig = errors.New("worker: invalid config")
	// ErrStopped is returned by Predict once Stop has been called.
	ErrStopped = errors.New("worker: orchestrator stopped")
	// ErrResultCount is returned when the model answers a batch with the wrong number of results.
	ErrResultCount = errors.New("worker: result count mismatch")
)

// Config holds tunable batching parameters.
type Config struct {
	MaxBatchSize         int
	MaxConcurrentBatches int
	// PollInterval is how long the loop sleeps when the queue is empty.
	PollInterval time.Duration
	// QueueMultiplier scales queue capacity beyond
	// MaxBatchSize*MaxConcurrentBatches (default 3).
	QueueMultiplier int
}

func (c Config) Validate() error {
	switch {
	case c.MaxBatchSize <= 0:
		return fmt.Errorf("%w: max batch size must be positive, got %d", ErrInvalidConfig, c.MaxBatchSize)
	case c.MaxConcurrentBatches <= 0:
		return fmt.Errorf("%w: max concurrent batches must be positive, got %d", ErrInvalidConfig, c.MaxConcurrentBatches)
	case c.PollInterval <= 0:
		return fmt.Errorf("%w: poll interval must be positive, got %v", ErrInvalidConfig, c.PollInterval)
	case c.QueueMultiplier < 0:
		return fmt.Errorf("%w: queue multiplier must not be negative, got %d", ErrInvalidConfig, c.QueueMultiplier)
	}
	return nil
}

// QueueCapacity is MaxBatchSize * MaxConcurrentBatches * QueueMultiplier.
func (c Config) QueueCapacity() int {
	m := c.QueueMultiplier
	if m == 0 {
		m = 3
	}
	return c.MaxBatchSize * c.MaxConcurrentBatches * m
}

// BatchPredictor is the model the orchestrator feeds, typically a pipeline.
type BatchPredictor[Req, Res any] interface {
	BatchPredict(ctx context.Context, reqs []Req) ([]Res, error)
}

// Option configures an Orchestrator.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	observer observe.Observer
	metrics  *Metrics
}

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

func WithObserver(obs observe.Observer) Option { return func(o *options) { o.observer = obs } }

func WithMetrics(m *Metrics) Option { return func(o *options) { o.metrics = m } }

// Stats is a point-in-time view of orchestrator activity.
type Stats struct {
	QueueDepth     int     `json:"queue_depth"`
	QueueCapacity  int     `json:"queue_capacity"`
	InFlight       int32   `json:"in_flight_batches"`
	TotalBatches   int64   `json:"total_batches"`
	TotalRequests  int64   `json:"total_requests"`
	FailedBatches  int64   `json:"failed_batches"`
	LastBatchSize  int32   `json:"last_batch_size"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	MaxBatchSize   int     `json:"max_batch_size"`
	MaxConcurrency int     `json:"max_concurrent_batches"`
}

// Orchestrator implements request-level dynamic batching. Callers submit one
// request each; a single background loop drains whatever is queued, up to
// MaxBatchSize, into one model call, with at most MaxConcurrentBatches calls
// running at once.
type Orchestrator[Req, Res any] struct {
	cfg      Config
	model    BatchPredictor[Req, Res]
	queue    *Queue[Req, Res]
	permits  *semaphore.Weighted
	logger   *zap.Logger
	observer observe.Observer
	metrics  *Metrics

	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	loopDone chan struct{}
	inflight sync.WaitGroup

	// Metrics (read by Stats)
	totalBatches  atomic.Int64
	totalRequests atomic.Int64
	failedBatches atomic.Int64
	lastBatchSize atomic.Int32
	running       atomic.Int32
	avgLatencyUs  atomic.Int64 // exponential moving average in microseconds
}

// New validates cfg and starts the background batching loop. model must be
// usable: a typed nil pointer stored in the interface passes the nil check
// and fails on the first batch, which every caller in it then receives.
func New[Req, Res any](model BatchPredictor[Req, Res], cfg Config, opts ...Option) (*Orchestrator[Req, Res], error) {
	if model == nil {
		return nil, fmt.Errorf("%w: nil model", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	orc := &Orchestrator[Req, Res]{
		cfg:      cfg,
		model:    model,
		queue:    NewQueue[Req, Res](cfg.QueueCapacity()),
		permits:  semaphore.NewWeighted(int64(cfg.MaxConcurrentBatches)),
		logger:   o.logger.With(zap.String("component", "orchestrator")),
		observer: observe.OrNop(o.observer),
		metrics:  o.metrics,
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	orc.metrics.trackQueue(orc.queue.Depth)

	go orc.loop()
	orc.logger.Info("orchestrator started",
		zap.Int("max_batch_size", cfg.MaxBatchSize),
		zap.Int("max_concurrent_batches", cfg.MaxConcurrentBatches),
		zap.Int("queue_capacity", orc.queue.Cap()),
		zap.Duration("poll_interval", cfg.PollInterval))
	return orc, nil
}

// Predict enqueues req and waits for the batch that consumes it. A full queue
// blocks the caller. If ctx ends first the caller gets ctx.Err(); the request
// still runs with its batch.
func (o *Orchestrator[Req, Res]) Predict(ctx context.Context, req Req) (Res, error) {
	var zero Res
	p := newPending[Req, Res](req)

	enqCtx, end := o.observer.Begin(ctx, "enqueue-prediction-request")
	err := o.enqueue(enqCtx, p)
	end(err)
	if err != nil {
		return zero, err
	}

	_, end = o.observer.Begin(ctx, "wait-for-prediction-response")
	select {
	case out := <-p.Done:
		end(out.Err)
		return out.Res, out.Err
	case <-ctx.Done():
		end(ctx.Err())
		return zero, ctx.Err()
	}
}

func (o *Orchestrator[Req, Res]) enqueue(ctx context.Context, p *PendingRequest[Req, Res]) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.stopped {
		return ErrStopped
	}
	return o.queue.Enqueue(ctx, p)
}

// BatchPredict bypasses the queue and calls the model directly.
func (o *Orchestrator[Req, Res]) BatchPredict(ctx context.Context, reqs []Req) ([]Res, error) {
	return o.model.BatchPredict(ctx, reqs)
}

// Stop refuses new requests, runs everything already queued, and waits for
// in-flight batches to finish.
func (o *Orchestrator[Req, Res]) Stop() {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		o.stopped = true
		o.mu.Unlock()
		close(o.stopCh)
	})
	<-o.loopDone
	o.logger.Info("orchestrator stopped", zap.Int64("total_batches", o.totalBatches.Load()))
}

// Stats returns current counters.
func (o *Orchestrator[Req, Res]) Stats() Stats {
	return Stats{
		QueueDepth:     o.queue.Depth(),
		QueueCapacity:  o.queue.Cap(),
		InFlight:       o.running.Load(),
		TotalBatches:   o.totalBatches.Load(),
		TotalRequests:  o.totalRequests.Load(),
		FailedBatches:  o.failedBatches.Load(),
		LastBatchSize:  o.lastBatchSize.Load(),
		AvgLatencyMs:   float64(o.avgLatencyUs.Load()) / 1000,
		MaxBatchSize:   o.cfg.MaxBatchSize,
		MaxConcurrency: o.cfg.MaxConcurrentBatches,
	}
}

func (o *Orchestrator[Req, Res]) loop() {
	defer close(o.loopDone)

	timer := time.NewTimer(o.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-o.stopCh:
			o.drainRemaining()
			return
		default:
		}

		if o.queue.Depth() == 0 {
			timer.Reset(o.cfg.PollInterval)
			select {
			case <-o.stopCh:
				o.drainRemaining()
				return
			case <-timer.C:
			}
			continue
		}

		o.dispatch()
	}
}

// dispatch waits for an admission permit, then starts one batch of whatever
// is queued. It reports false if the queue turned out to be empty.
func (o *Orchestrator[Req, Res]) dispatch() bool {
	if err := o.permits.Acquire(context.Background(), 1); err != nil {
		return false
	}
	batch := o.queue.DequeueN(o.cfg.MaxBatchSize)
	if len(batch) == 0 {
		o.permits.Release(1)
		return false
	}

	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		defer o.permits.Release(1)
		o.executeBatch(batch)
	}()
	return true
}

func (o *Orchestrator[Req, Res]) drainRemaining() {
	for o.dispatch() {
	}
	o.inflight.Wait()
}

func (o *Orchestrator[Req, Res]) executeBatch(batch []*PendingRequest[Req, Res]) {
	batchSize := len(batch)
	start := time.Now()

	ctx, end := o.observer.Begin(context.Background(), "orchestrated-predict",
		attribute.Int("dynamic_batch_size", batchSize))

	reqs := make([]Req, batchSize)
	for i, p := range batch {
		reqs[i] = p.Req
		o.metrics.observeQueueWait(start.Sub(p.EnqueueAt))
	}

	o.running.Add(1)
	results, err := o.callModel(ctx, reqs)
	o.running.Add(-1)
	elapsed := time.Since(start)
	end(err)

	o.record(batchSize, elapsed, err)

	// Distribute results
	if err != nil {
		o.logger.Warn("batch failed", zap.Int("size", batchSize), zap.Duration("latency", elapsed), zap.Error(err))
		var zero Res
		for _, p := range batch {
			p.resolve(zero, err)
		}
		return
	}

	o.logger.Debug("batch executed", zap.Int("size", batchSize), zap.Duration("latency", elapsed))
	for i, p := range batch {
		p.resolve(results[i], nil)
	}
}

// callModel turns a panic or a short answer into a batch failure so that no
// pending request is left unresolved.
func (o *Orchestrator[Req, Res]) callModel(ctx context.Context, reqs []Req) (results []Res, err error) {
	defer func() {
		if r := recover(); r != nil {
			results, err = nil, fmt.Errorf("worker: model panicked: %v", r)
		}
	}()
	results, err = o.model.BatchPredict(ctx, reqs)
	if err == nil && len(results) != len(reqs) {
		return nil, fmt.Errorf("%w: %d results for %d requests", ErrResultCount, len(results), len(reqs))
	}
	return results, err
}

func (o *Orchestrator[Req, Res]) record(batchSize int, elapsed time.Duration, err error) {
	o.totalBatches.Add(1)
	o.totalRequests.Add(int64(batchSize))
	o.lastBatchSize.Store(int32(batchSize))
	if err != nil {
		o.failedBatches.Add(1)
	}

	// EMA with alpha=0.3
	latency := elapsed.Microseconds()
	for {
		old := o.avgLatencyUs.Load()
		next := latency
		if old != 0 {
			next = int64(float64(old)*0.7 + float64(latency)*0.3)
		}
		if o.avgLatencyUs.CompareAndSwap(old, next) {
			break
		}
	}

	o.metrics.observeBatch(batchSize, elapsed, err)
}
