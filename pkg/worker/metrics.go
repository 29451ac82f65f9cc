package worker

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports orchestrator activity to Prometheus. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	batches   *prometheus.CounterVec
	requests  prometheus.Counter
	batchSize prometheus.Histogram
	latency   prometheus.Histogram
	queueWait prometheus.Histogram
	depthFn   atomic.Pointer[func() int]
	gatherer  prometheus.Gatherer
}

// NewMetrics registers the worker metrics on reg. reg is also used as the
// gatherer for Handler when it implements prometheus.Gatherer.
func NewMetrics(reg prometheus.Registerer, workerID string) *Metrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"worker": workerID}

	m := &Metrics{
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "worker_batches_total",
			Help:        "Dynamic batches executed, by outcome",
			ConstLabels: labels,
		}, []string{"status"}),
		requests: f.NewCounter(prometheus.CounterOpts{
			Name:        "worker_requests_total",
			Help:        "Requests processed through dynamic batches",
			ConstLabels: labels,
		}),
		batchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "worker_batch_size",
			Help:        "Requests per dynamic batch",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 9),
		}),
		latency: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "worker_batch_latency_seconds",
			Help:        "Model latency per dynamic batch",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		queueWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "worker_queue_wait_seconds",
			Help:        "Time a request spent queued before its batch started",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "worker_queue_depth",
		Help:        "Current queue depth",
		ConstLabels: labels,
	}, func() float64 {
		if fn := m.depthFn.Load(); fn != nil {
			return float64((*fn)())
		}
		return 0
	})
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) trackQueue(depth func() int) {
	if m == nil {
		return
	}
	m.depthFn.Store(&depth)
}

func (m *Metrics) observeBatch(size int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.batches.WithLabelValues(status).Inc()
	m.requests.Add(float64(size))
	m.batchSize.Observe(float64(size))
	m.latency.Observe(elapsed.Seconds())
}

func (m *Metrics) observeQueueWait(d time.Duration) {
	if m == nil {
		return
	}
	m.queueWait.Observe(d.Seconds())
}
