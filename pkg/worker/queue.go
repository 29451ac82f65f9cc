package worker

import (
	"context"
	"time"
)

// Outcome is what a pending request resolves to: a result or the batch's failure.
type Outcome[Res any] struct {
	Res Res
	Err error
}

// PendingRequest is one single-item prediction waiting to be batched.
type PendingRequest[Req, Res any] struct {
	Req       Req
	Done      chan Outcome[Res] // buffered, resolved exactly once
	EnqueueAt time.Time
}

func newPending[Req, Res any](req Req) *PendingRequest[Req, Res] {
	return &PendingRequest[Req, Res]{
		Req:       req,
		Done:      make(chan Outcome[Res], 1),
		EnqueueAt: time.Now(),
	}
}

// resolve never blocks: the sink has room for its single outcome even if the
// caller stopped waiting.
func (p *PendingRequest[Req, Res]) resolve(res Res, err error) {
	p.Done <- Outcome[Res]{Res: res, Err: err}
}

// Queue is a bounded FIFO of pending requests. Many goroutines may enqueue;
// one consumer dequeues.
type Queue[Req, Res any] struct {
	ch chan *PendingRequest[Req, Res]
}

func NewQueue[Req, Res any](capacity int) *Queue[Req, Res] {
	return &Queue[Req, Res]{ch: make(chan *PendingRequest[Req, Res], capacity)}
}

// Enqueue blocks while the queue is full. It only fails if ctx ends first.
func (q *Queue[Req, Res]) Enqueue(ctx context.Context, p *PendingRequest[Req, Res]) error {
	select {
	case q.ch <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DequeueN removes up to n requests that are already queued, in arrival
// order, without waiting for more.
func (q *Queue[Req, Res]) DequeueN(n int) []*PendingRequest[Req, Res] {
	var batch []*PendingRequest[Req, Res]
	for len(batch) < n {
		select {
		case p := <-q.ch:
			if batch == nil {
				batch = make([]*PendingRequest[Req, Res], 0, min(n, len(q.ch)+1))
			}
			batch = append(batch, p)
		default:
			return batch
		}
	}
	return batch
}

// Depth returns current queue depth.
func (q *Queue[Req, Res]) Depth() int { return len(q.ch) }

func (q *Queue[Req, Res]) Cap() int { return cap(q.ch) }
