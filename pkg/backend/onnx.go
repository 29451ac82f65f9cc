//go:build onnx

package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/kunal/infer-batcher/pkg/tensor"
)

var (
	runtimeOnce sync.Once
	runtimeErr  error
)

func initRuntime(libPath string) error {
	runtimeOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		runtimeErr = ort.InitializeEnvironment()
	})
	return runtimeErr
}

// ONNX runs a loaded ONNX Runtime session. One ONNX value is one session;
// build a pool of them with PolicyPooled.
type ONNX struct {
	opts    ONNXOptions
	session *ort.DynamicAdvancedSession
}

// NewONNX loads the model and creates a session.
func NewONNX(opts ONNXOptions) (*ONNX, error) {
	if opts.ModelPath == "" || len(opts.InputNames) == 0 || len(opts.OutputNames) == 0 {
		return nil, fmt.Errorf("%w: model path, input names and output names are required", ErrInvalidConfig)
	}
	if err := initRuntime(opts.SharedLibraryPath); err != nil {
		return nil, fmt.Errorf("onnx runtime init: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer options.Destroy()

	if opts.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("set intra-op threads: %w", err)
		}
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		return nil, fmt.Errorf("set graph optimization: %w", err)
	}

	if opts.UseGPU {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("cuda provider options: %w", err)
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": opts.DeviceID}); err != nil {
			return nil, fmt.Errorf("cuda device %s: %w", opts.DeviceID, err)
		}
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return nil, fmt.Errorf("append cuda provider: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(opts.ModelPath, opts.InputNames, opts.OutputNames, options)
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", opts.ModelPath, err)
	}

	return &ONNX{opts: opts, session: session}, nil
}

func (o *ONNX) Name() string {
	if o.opts.UseGPU {
		return "onnx-gpu"
	}
	return "onnx-cpu"
}

// Run binds inputs in InputNames order. The returned output tensors alias
// runtime-owned memory until Release.
func (o *ONNX) Run(ctx context.Context, inputs []tensor.Tensor[int64]) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, Fail(o.Name(), err)
	}
	if len(inputs) != len(o.opts.InputNames) {
		return nil, Fail(o.Name(), fmt.Errorf("expected %d inputs, got %d", len(o.opts.InputNames), len(inputs)))
	}

	values := make([]ort.Value, 0, len(inputs))
	defer func() { destroyValues(values) }()
	for i, in := range inputs {
		t, err := ort.NewTensor(ort.Shape(in.Shape()), in.Data())
		if err != nil {
			return nil, Fail(o.Name(), fmt.Errorf("input %s: %w", o.opts.InputNames[i], err))
		}
		values = append(values, t)
	}

	// nil outputs are allocated by the runtime with the shapes it infers.
	outputs := make([]ort.Value, len(o.opts.OutputNames))
	if err := o.session.Run(values, outputs); err != nil {
		destroyValues(outputs)
		return nil, Fail(o.Name(), err)
	}

	tensors := make([]tensor.Tensor[float32], len(outputs))
	for i, v := range outputs {
		ft, ok := v.(*ort.Tensor[float32])
		if !ok {
			destroyValues(outputs)
			return nil, Fail(o.Name(), fmt.Errorf("output %s is not a float32 tensor", o.opts.OutputNames[i]))
		}
		t, err := tensor.New(tensor.Shape(ft.GetShape()), ft.GetData())
		if err != nil {
			destroyValues(outputs)
			return nil, Fail(o.Name(), err)
		}
		tensors[i] = t
	}

	return NewOutput(tensors, func() { destroyValues(outputs) }), nil
}

// Destroy releases the session.
func (o *ONNX) Destroy() error {
	if o.session == nil {
		return errors.New("onnx session already destroyed")
	}
	err := o.session.Destroy()
	o.session = nil
	return err
}

func destroyValues(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			_ = v.Destroy()
		}
	}
}
