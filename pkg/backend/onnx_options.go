package backend

// ONNXOptions configures an ONNX Runtime session.
type ONNXOptions struct {
	ModelPath string
	// InputNames are bound in order to the tensors passed to Run,
	// e.g. [input_ids, attention_mask].
	InputNames  []string
	OutputNames []string

	UseGPU   bool
	DeviceID string
	// IntraOpThreads sets intra-op parallelism (0 = runtime default).
	IntraOpThreads int
	// SharedLibraryPath locates libonnxruntime; empty uses the loader default.
	SharedLibraryPath string
}

// DefaultONNXOptions targets a sequence-classification export.
func DefaultONNXOptions(modelPath string) ONNXOptions {
	return ONNXOptions{
		ModelPath:   modelPath,
		InputNames:  []string{"input_ids", "attention_mask"},
		OutputNames: []string{"logits"},
		DeviceID:    "0",
	}
}
