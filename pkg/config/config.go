// Package config loads worker settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kunal/infer-batcher/pkg/backend"
	"github.com/kunal/infer-batcher/pkg/pipeline"
	"github.com/kunal/infer-batcher/pkg/tokenize"
	"github.com/kunal/infer-batcher/pkg/worker"
)

var ErrInvalidConfig = errors.New("config: invalid value")

// Config holds all configuration for the worker service.
type Config struct {
	WorkerID    string `mapstructure:"worker_id"`
	WorkerPort  int    `mapstructure:"worker_port"`
	MetricsPort int    `mapstructure:"metrics_port"`

	// Dynamic batching
	MaxBatchSize         int `mapstructure:"max_batch_size"`
	MaxConcurrentBatches int `mapstructure:"max_concurrent_batches"`
	PollIntervalMs       int `mapstructure:"poll_interval_ms"`
	QueueMultiplier      int `mapstructure:"queue_multiplier"`

	// Pipeline executor
	Executor       string `mapstructure:"executor"`
	ExecutorInner  string `mapstructure:"executor_inner"`
	SubBatchSize   int    `mapstructure:"sub_batch_size"`
	MaxConcurrency int    `mapstructure:"max_concurrency"`

	// Backend
	Backend       string `mapstructure:"backend"` // "simulation" or "onnx"
	BackendPolicy string `mapstructure:"backend_policy"`
	PoolSize      int    `mapstructure:"pool_size"`
	MaxThreads    int    `mapstructure:"max_threads"`
	SimLatencyMs  int    `mapstructure:"sim_latency_ms"`

	ModelPath       string `mapstructure:"model_path"`
	ONNXInputNames  string `mapstructure:"onnx_input_names"`
	ONNXOutputNames string `mapstructure:"onnx_output_names"`
	UseGPU          bool   `mapstructure:"use_gpu"`

	// Tokenization
	Encoding       string `mapstructure:"encoding"`
	PaddingTokenID int64  `mapstructure:"padding_token_id"`
	MaxTokenLength int    `mapstructure:"max_token_length"`
	Labels         string `mapstructure:"labels"`

	LogLevel            string `mapstructure:"log_level"`
	BroadcastIntervalMs int    `mapstructure:"broadcast_interval_ms"`
	OTLPEndpoint        string `mapstructure:"otlp_endpoint"`
}

var defaults = map[string]any{
	"worker_id":    "worker-0",
	"worker_port":  50052,
	"metrics_port": 9090,

	"max_batch_size":         32,
	"max_concurrent_batches": 2,
	"poll_interval_ms":       5,
	"queue_multiplier":       3,

	"executor":        string(pipeline.KindOutOfOrder),
	"executor_inner":  string(pipeline.KindParallel),
	"sub_batch_size":  16,
	"max_concurrency": 0,

	"backend":        "simulation",
	"backend_policy": string(backend.PolicyPooled),
	"pool_size":      2,
	"max_threads":    4,
	"sim_latency_ms": 5,

	"model_path":        "/models/model_optimized.onnx",
	"onnx_input_names":  "input_ids,attention_mask",
	"onnx_output_names": "logits",
	"use_gpu":           false,

	"encoding":         "cl100k_base",
	"padding_token_id": 0,
	"max_token_length": 512,
	"labels":           "negative,positive",

	"log_level":             "info",
	"broadcast_interval_ms": 500,
	"otlp_endpoint":         "",
}

// Load reads configuration from environment variables with sane defaults.
func Load() (*Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	positive := []struct {
		name string
		v    int
	}{
		{"MAX_BATCH_SIZE", c.MaxBatchSize},
		{"MAX_CONCURRENT_BATCHES", c.MaxConcurrentBatches},
		{"POLL_INTERVAL_MS", c.PollIntervalMs},
		{"QUEUE_MULTIPLIER", c.QueueMultiplier},
		{"SUB_BATCH_SIZE", c.SubBatchSize},
		{"MAX_TOKEN_LENGTH", c.MaxTokenLength},
		{"BROADCAST_INTERVAL_MS", c.BroadcastIntervalMs},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, p.name, p.v)
		}
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("%w: MAX_CONCURRENCY must not be negative, got %d", ErrInvalidConfig, c.MaxConcurrency)
	}
	switch c.Backend {
	case "simulation", "onnx":
	default:
		return fmt.Errorf("%w: unknown BACKEND %q", ErrInvalidConfig, c.Backend)
	}
	if len(c.LabelList()) == 0 {
		return fmt.Errorf("%w: LABELS is empty", ErrInvalidConfig)
	}
	return nil
}

// LabelList returns the class labels in logit order.
func (c *Config) LabelList() []string { return splitList(c.Labels) }

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c *Config) BroadcastInterval() time.Duration {
	return time.Duration(c.BroadcastIntervalMs) * time.Millisecond
}

func (c *Config) Orchestrator() worker.Config {
	return worker.Config{
		MaxBatchSize:         c.MaxBatchSize,
		MaxConcurrentBatches: c.MaxConcurrentBatches,
		PollInterval:         c.PollInterval(),
		QueueMultiplier:      c.QueueMultiplier,
	}
}

func (c *Config) ExecutorConfig() pipeline.ExecutorConfig {
	return pipeline.ExecutorConfig{
		Kind:           pipeline.Kind(c.Executor),
		Inner:          pipeline.Kind(c.ExecutorInner),
		MaxBatchSize:   c.SubBatchSize,
		MaxConcurrency: c.MaxConcurrency,
	}
}

func (c *Config) BackendOptions() backend.Options {
	return backend.Options{
		Policy:        backend.Policy(c.BackendPolicy),
		PoolSize:      c.PoolSize,
		MaxConcurrent: c.MaxThreads,
	}
}

func (c *Config) ONNXOptions() backend.ONNXOptions {
	opts := backend.DefaultONNXOptions(c.ModelPath)
	if names := splitList(c.ONNXInputNames); len(names) > 0 {
		opts.InputNames = names
	}
	if names := splitList(c.ONNXOutputNames); len(names) > 0 {
		opts.OutputNames = names
	}
	opts.UseGPU = c.UseGPU
	return opts
}

func (c *Config) TokenizeOptions() tokenize.Options {
	return tokenize.Options{PaddingID: c.PaddingTokenID, MaxTokenLength: c.MaxTokenLength}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
