package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/kunal/infer-batcher/pkg/classify"
)

// lengthClassifier labels texts "long" when they exceed four bytes.
type lengthClassifier struct {
	err error
}

func (c lengthClassifier) classify(text string) classify.Result[string] {
	if len(text) > 4 {
		return classify.Result[string]{Label: "long", Index: 1, Confidence: 0.9, Logits: []float32{-1, 1}}
	}
	return classify.Result[string]{Label: "short", Index: 0, Confidence: 0.8, Logits: []float32{1, -1}}
}

func (c lengthClassifier) Predict(ctx context.Context, text string) (classify.Result[string], error) {
	if c.err != nil {
		return classify.Result[string]{}, c.err
	}
	return c.classify(text), nil
}

func (c lengthClassifier) BatchPredict(ctx context.Context, texts []string) ([]classify.Result[string], error) {
	if c.err != nil {
		return nil, c.err
	}
	out := make([]classify.Result[string], len(texts))
	for i, t := range texts {
		out[i] = c.classify(t)
	}
	return out, nil
}

func dialServer(t *testing.T, clf Classifier) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	NewServer(clf, "w-test", nil).RegisterGRPC(srv)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func TestServerPredict(t *testing.T) {
	client := dialServer(t, lengthClassifier{})

	p, err := client.Predict(context.Background(), "a rather long text")
	require.NoError(t, err)
	assert.Equal(t, "long", p.Label)
	assert.Equal(t, 1, p.Index)
	assert.InDelta(t, 0.9, p.Confidence, 1e-6)
	assert.Equal(t, []float32{-1, 1}, p.Logits)
	assert.Equal(t, "w-test", p.WorkerID)
	assert.NotEmpty(t, p.RequestID)
}

func TestServerBatchPredict(t *testing.T) {
	client := dialServer(t, lengthClassifier{})

	preds, err := client.BatchPredict(context.Background(), []string{"hi", "hello world", "ok"})
	require.NoError(t, err)
	require.Len(t, preds, 3)
	assert.Equal(t, "short", preds[0].Label)
	assert.Equal(t, "long", preds[1].Label)
	assert.Equal(t, "short", preds[2].Label)
	assert.Equal(t, preds[0].RequestID, preds[2].RequestID)

	empty, err := client.BatchPredict(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestServerErrorCodes(t *testing.T) {
	for name, tc := range map[string]struct {
		err  error
		code codes.Code
	}{
		"stopped":  {fmt.Errorf("predict: %w", ErrStopped), codes.Unavailable},
		"deadline": {context.DeadlineExceeded, codes.DeadlineExceeded},
		"canceled": {context.Canceled, codes.Canceled},
		"model":    {errors.New("model exploded"), codes.Internal},
	} {
		t.Run(name, func(t *testing.T) {
			client := dialServer(t, lengthClassifier{err: tc.err})
			_, err := client.Predict(context.Background(), "x")
			assert.Equal(t, tc.code, status.Code(err))
		})
	}
}

func TestServerOverOrchestrator(t *testing.T) {
	clf := lengthClassifier{}
	model := modelFuncOf(func(ctx context.Context, texts []string) ([]classify.Result[string], error) {
		return clf.BatchPredict(ctx, texts)
	})
	o, err := New[string, classify.Result[string]](model, Config{MaxBatchSize: 4, MaxConcurrentBatches: 1, PollInterval: time.Millisecond})
	require.NoError(t, err)
	client := dialServer(t, o)

	p, err := client.Predict(context.Background(), "tiny")
	require.NoError(t, err)
	assert.Equal(t, "short", p.Label)

	o.Stop()
	_, err = client.Predict(context.Background(), "tiny")
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestRegisterHTTP(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "w-http")
	m.observeBatch(3, 10*time.Millisecond, nil)

	mux := http.NewServeMux()
	RegisterHTTP(mux, m, nil)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `worker_requests_total{worker="w-http"} 3`)
	assert.Contains(t, string(body), "worker_queue_depth")

	resp, err = http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type modelFuncOf func(ctx context.Context, texts []string) ([]classify.Result[string], error)

func (f modelFuncOf) BatchPredict(ctx context.Context, texts []string) ([]classify.Result[string], error) {
	return f(ctx, texts)
}
