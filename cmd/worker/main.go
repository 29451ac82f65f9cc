package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"

	"github.com/kunal/infer-batcher/pkg/backend"
	"github.com/kunal/infer-batcher/pkg/classify"
	"github.com/kunal/infer-batcher/pkg/config"
	"github.com/kunal/infer-batcher/pkg/observe"
	"github.com/kunal/infer-batcher/pkg/pipeline"
	"github.com/kunal/infer-batcher/pkg/tokenize"
	"github.com/kunal/infer-batcher/pkg/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel).With(zap.String("worker_id", cfg.WorkerID))
	defer logger.Sync()

	if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof)); err != nil {
		logger.Warn("set GOMAXPROCS", zap.Error(err))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("worker failed", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zc.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	tracing, err := observe.StartTracing(ctx, cfg.OTLPEndpoint, "infer-batcher-worker", logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()
	obs := tracing.Observer()

	enc, err := tokenize.NewTiktoken(cfg.Encoding)
	if err != nil {
		return err
	}
	tok, err := tokenize.New(enc, cfg.TokenizeOptions())
	if err != nil {
		return err
	}

	labels := cfg.LabelList()
	be, closeBackend, err := buildBackend(cfg, len(labels), logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	exec, err := classify.NewExecutor[string](cfg.ExecutorConfig(), tok)
	if err != nil {
		return err
	}
	pipe, err := classify.NewPipeline(tok, be, labels, exec, pipeline.WithObserver(obs))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := worker.NewMetrics(reg, cfg.WorkerID)

	orc, err := worker.New[string, classify.Result[string]](pipe, cfg.Orchestrator(),
		worker.WithLogger(logger),
		worker.WithObserver(obs),
		worker.WithMetrics(metrics))
	if err != nil {
		return err
	}

	logger.Info("worker starting",
		zap.Int("grpc_port", cfg.WorkerPort),
		zap.Int("metrics_port", cfg.MetricsPort),
		zap.String("backend", be.Name()),
		zap.String("executor", string(exec.Kind())),
		zap.String("tokenizer", enc.Name()),
		zap.Strings("labels", labels))

	grpcServer := grpc.NewServer()
	worker.NewServer(orc, cfg.WorkerID, logger).RegisterGRPC(grpcServer)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.WorkerPort))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", cfg.WorkerPort, err)
	}

	broadcaster := worker.NewBroadcaster(logger)
	broadcaster.Start(cfg.BroadcastInterval(), cfg.WorkerID, orc.Stats)

	mux := http.NewServeMux()
	worker.RegisterHTTP(mux, metrics, broadcaster)
	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.MetricsPort), Handler: mux}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("metrics endpoint listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	go func() {
		logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-quit:
		logger.Info("shutting down worker", zap.String("signal", sig.String()))
	case runErr = <-errCh:
	}

	grpcServer.GracefulStop()
	orc.Stop()
	broadcaster.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown", zap.Error(err))
	}
	logger.Info("worker stopped", zap.Int64("total_batches", orc.Stats().TotalBatches))
	return runErr
}

// buildBackend creates the configured backend behind its concurrency policy.
// A model that fails to load falls back to simulation.
func buildBackend(cfg *config.Config, numClasses int, logger *zap.Logger) (backend.Backend, func(), error) {
	simulated := func(int) (backend.Backend, error) {
		return backend.NewSimulated(cfg.SimLatencyMs, numClasses), nil
	}

	if cfg.Backend != "onnx" {
		be, err := backend.Build(cfg.BackendOptions(), simulated)
		return be, func() {}, err
	}

	var sessions []*backend.ONNX
	closeAll := func() {
		for _, s := range sessions {
			if err := s.Destroy(); err != nil {
				logger.Warn("destroy onnx session", zap.Error(err))
			}
		}
	}
	be, err := backend.Build(cfg.BackendOptions(), func(int) (backend.Backend, error) {
		s, err := backend.NewONNX(cfg.ONNXOptions())
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
		return s, nil
	})
	if err != nil {
		closeAll()
		logger.Warn("onnx init failed, falling back to simulation", zap.String("model_path", cfg.ModelPath), zap.Error(err))
		be, err = backend.Build(cfg.BackendOptions(), simulated)
		return be, func() {}, err
	}
	logger.Info("onnx backend loaded", zap.String("model_path", cfg.ModelPath), zap.Bool("gpu", cfg.UseGPU), zap.Int("sessions", len(sessions)))
	return be, closeAll, nil
}
