//go:build !onnx

package backend

import (
	"context"
	"errors"

	"github.com/kunal/infer-batcher/pkg/tensor"
)

// ErrONNXUnavailable is returned by binaries built without the onnx tag.
// Build with: go build -tags onnx
var ErrONNXUnavailable = errors.New("backend: built without onnx support")

type ONNX struct{}

func NewONNX(opts ONNXOptions) (*ONNX, error) {
	return nil, ErrONNXUnavailable
}

func (o *ONNX) Name() string { return "onnx-unavailable" }

func (o *ONNX) Run(ctx context.Context, inputs []tensor.Tensor[int64]) (*Output, error) {
	return nil, Fail(o.Name(), ErrONNXUnavailable)
}

func (o *ONNX) Destroy() error { return nil }
