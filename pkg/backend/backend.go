// Package backend adapts a loaded model session to a single concurrency-aware
// Run call and provides the policies used to share it: unrestricted,
// throttled, strictly serialized and pooled.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kunal/infer-batcher/pkg/tensor"
)

// ErrInvalidConfig is returned when a policy or pool cannot be built.
var ErrInvalidConfig = errors.New("backend: invalid config")

// Backend runs one batch through a model. For classification models
// Output.Tensors[0] holds logits shaped [batch, classes].
type Backend interface {
	Run(ctx context.Context, inputs []tensor.Tensor[int64]) (*Output, error)

	// Name returns the backend type for logging.
	Name() string
}

// Output carries the tensors produced by one Run. Tensors may alias memory
// owned by the backend; callers must call Release once they are done reading.
type Output struct {
	Tensors []tensor.Tensor[float32]

	release func()
	once    sync.Once
}

// NewOutput wraps tensors. release may be nil for Go-owned buffers.
func NewOutput(tensors []tensor.Tensor[float32], release func()) *Output {
	return &Output{Tensors: tensors, release: release}
}

// Logits returns the first output tensor.
func (o *Output) Logits() (tensor.Tensor[float32], error) {
	if o == nil || len(o.Tensors) == 0 {
		return tensor.Tensor[float32]{}, fmt.Errorf("%w: backend produced no outputs", tensor.ErrShape)
	}
	return o.Tensors[0], nil
}

// Release frees backend-owned memory. It is safe to call more than once.
func (o *Output) Release() {
	if o == nil {
		return
	}
	o.once.Do(func() {
		if o.release != nil {
			o.release()
		}
		o.Tensors = nil
	})
}

// ExecutionError reports a failed Run. It is passed unchanged to every caller
// whose request was part of the failed batch.
type ExecutionError struct {
	Backend string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Backend, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Fail wraps err as an ExecutionError for the named backend.
func Fail(name string, err error) error {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return err
	}
	return &ExecutionError{Backend: name, Err: err}
}
