package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// recorder is a string -> string batch function that logs every sub-batch it sees.
type recorder struct {
	mu      sync.Mutex
	batches [][]string
	fail    func(reqs []string) error
	delay   time.Duration

	active atomic.Int32
	peak   atomic.Int32
}

func (r *recorder) process(ctx context.Context, reqs []string, out []string) error {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}

	r.mu.Lock()
	r.batches = append(r.batches, append([]string(nil), reqs...))
	r.mu.Unlock()

	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.fail != nil {
		if err := r.fail(reqs); err != nil {
			return err
		}
	}
	for i, req := range reqs {
		out[i] = "out:" + req
	}
	return nil
}

func (r *recorder) sizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sizes := make([]int, len(r.batches))
	for i, b := range r.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func inputs(n int) []string {
	reqs := make([]string, n)
	for i := range reqs {
		reqs[i] = fmt.Sprintf("req-%02d", i)
	}
	return reqs
}

func newPipeline(t *testing.T, r *recorder, exec Executor[string, string]) *Pipeline[string, string] {
	t.Helper()
	p, err := New(r.process, exec)
	require.NoError(t, err)
	return p
}

func mustSerial(t *testing.T, size int) *Serial[string, string] {
	t.Helper()
	e, err := NewSerial[string, string](size)
	require.NoError(t, err)
	return e
}

func TestPredictWrapsSingleBatch(t *testing.T) {
	r := &recorder{}
	p := newPipeline(t, r, mustSerial(t, 4))

	got, err := p.Predict(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "out:hello", got)
	assert.Equal(t, []int{1}, r.sizes())
}

func TestPredictPropagatesFailure(t *testing.T) {
	boom := errors.New("boom")
	r := &recorder{fail: func([]string) error { return boom }}
	p := newPipeline(t, r, mustSerial(t, 4))

	_, err := p.Predict(context.Background(), "hello")
	assert.ErrorIs(t, err, boom)
}

func TestBatchPredictEmpty(t *testing.T) {
	r := &recorder{}
	p := newPipeline(t, r, mustSerial(t, 4))

	got, err := p.BatchPredict(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, r.sizes())
}

func TestProcessBatchShapeMismatch(t *testing.T) {
	p := newPipeline(t, &recorder{}, mustSerial(t, 4))
	err := p.ProcessBatch(context.Background(), []string{"a", "b"}, make([]string, 1))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestNewValidation(t *testing.T) {
	_, err := New[string, string](nil, mustSerial(t, 1))
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New((&recorder{}).process, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewSerial[string, string](0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewParallel[string, string](0, 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewParallel[string, string](2, -1)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewOutOfOrder[string, string](nil, func(string) int { return 0 })
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestStages(t *testing.T) {
	var released bool
	process := Stages(
		func(ctx context.Context, reqs []string) ([]int, error) {
			lens := make([]int, len(reqs))
			for i, r := range reqs {
				lens[i] = len(r)
			}
			return lens, nil
		},
		func(ctx context.Context, lens []int) ([]int, error) {
			doubled := make([]int, len(lens))
			for i, n := range lens {
				doubled[i] = n * 2
			}
			return doubled, nil
		},
		func(reqs []string, lens []int, doubled []int, out []int) error {
			defer func() { released = true }()
			copy(out, doubled)
			return nil
		},
	)

	out := make([]int, 3)
	require.NoError(t, process(context.Background(), []string{"a", "bb", "ccc"}, out))
	assert.Equal(t, []int{2, 4, 6}, out)
	assert.True(t, released)
}

func TestStagesPreprocessError(t *testing.T) {
	bad := errors.New("bad input")
	process := Stages(
		func(ctx context.Context, reqs []string) (int, error) { return 0, bad },
		func(ctx context.Context, n int) (int, error) { t.Fatal("compute must not run"); return 0, nil },
		func(reqs []string, n, m int, out []int) error { return nil },
	)
	err := process(context.Background(), []string{"a"}, make([]int, 1))
	assert.ErrorIs(t, err, bad)
}

func TestSerialSplitsInOrder(t *testing.T) {
	r := &recorder{}
	p := newPipeline(t, r, mustSerial(t, 4))

	reqs := inputs(10)
	got, err := p.BatchPredict(context.Background(), reqs)
	require.NoError(t, err)

	assert.Equal(t, []int{4, 4, 2}, r.sizes())
	assert.Equal(t, reqs[:4], r.batches[0])
	assert.Equal(t, reqs[8:], r.batches[2])
	for i := range reqs {
		assert.Equal(t, "out:"+reqs[i], got[i])
	}
	assert.Equal(t, int32(1), r.peak.Load())
}

func TestSerialStopsAtFirstFailure(t *testing.T) {
	boom := errors.New("boom")
	r := &recorder{fail: func(reqs []string) error {
		if reqs[0] == "req-04" {
			return boom
		}
		return nil
	}}
	p := newPipeline(t, r, mustSerial(t, 4))

	_, err := p.BatchPredict(context.Background(), inputs(12))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{4, 4}, r.sizes())
}

func TestParallelBoundsConcurrency(t *testing.T) {
	r := &recorder{delay: 5 * time.Millisecond}
	exec, err := NewParallel[string, string](2, 3)
	require.NoError(t, err)
	p := newPipeline(t, r, exec)

	reqs := inputs(21)
	got, err := p.BatchPredict(context.Background(), reqs)
	require.NoError(t, err)

	assert.Len(t, r.sizes(), 11)
	assert.LessOrEqual(t, r.peak.Load(), int32(3))
	for i := range reqs {
		assert.Equal(t, "out:"+reqs[i], got[i])
	}
}

func TestParallelUnbounded(t *testing.T) {
	r := &recorder{delay: 20 * time.Millisecond}
	exec, err := NewParallel[string, string](1, 0)
	require.NoError(t, err)
	p := newPipeline(t, r, exec)

	_, err = p.BatchPredict(context.Background(), inputs(8))
	require.NoError(t, err)
	assert.Greater(t, r.peak.Load(), int32(1))
}

func TestParallelSurfacesFirstFailure(t *testing.T) {
	boom := errors.New("boom")
	r := &recorder{fail: func(reqs []string) error {
		if reqs[0] == "req-02" {
			return boom
		}
		return nil
	}}
	exec, err := NewParallel[string, string](2, 2)
	require.NoError(t, err)
	p := newPipeline(t, r, exec)

	got, err := p.BatchPredict(context.Background(), inputs(8))
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, got)
	// every started sub-batch finished before Execute returned
	assert.Equal(t, int32(0), r.active.Load())
}

func TestParallelCancelledBeforeStart(t *testing.T) {
	r := &recorder{}
	exec, err := NewParallel[string, string](2, 0)
	require.NoError(t, err)
	p := newPipeline(t, r, exec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.BatchPredict(ctx, inputs(4))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, r.sizes())
}

func TestOutOfOrderGroupsBySize(t *testing.T) {
	r := &recorder{}
	exec, err := NewOutOfOrder[string, string](mustSerial(t, 2), func(s string) int { return len(s) })
	require.NoError(t, err)
	p := newPipeline(t, r, exec)

	reqs := []string{"cccc", "a", "dddddd", "bb"}
	got, err := p.BatchPredict(context.Background(), reqs)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"a", "bb"}, {"cccc", "dddddd"}}, r.batches)
	assert.Equal(t, []string{"out:cccc", "out:a", "out:dddddd", "out:bb"}, got)
}

func TestOutOfOrderTiesKeepOriginalOrder(t *testing.T) {
	r := &recorder{}
	exec, err := NewOutOfOrder[string, string](mustSerial(t, 10), func(string) int { return 1 })
	require.NoError(t, err)
	p := newPipeline(t, r, exec)

	reqs := []string{"z", "y", "x", "w"}
	_, err = p.BatchPredict(context.Background(), reqs)
	require.NoError(t, err)
	assert.Equal(t, [][]string{reqs}, r.batches)
}

func TestOutOfOrderCachesCostPerCall(t *testing.T) {
	calls := map[string]int{}
	cost := func(s string) int {
		calls[s]++
		return len(s)
	}
	exec, err := NewOutOfOrder[string, string](mustSerial(t, 4), cost)
	require.NoError(t, err)
	p := newPipeline(t, &recorder{}, exec)

	reqs := []string{"dup", "x", "dup", "dup"}
	_, err = p.BatchPredict(context.Background(), reqs)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"dup": 1, "x": 1}, calls)

	_, err = p.BatchPredict(context.Background(), reqs)
	require.NoError(t, err)
	assert.Equal(t, 2, calls["dup"], "cache does not persist across calls")
}

func TestNewExecutor(t *testing.T) {
	cost := func(s string) int { return len(s) }

	e, err := NewExecutor[string, string](ExecutorConfig{Kind: KindOutOfOrder, Inner: KindParallel, MaxBatchSize: 2}, cost)
	require.NoError(t, err)
	assert.Equal(t, KindOutOfOrder, e.Kind())
	ooo, ok := e.(*OutOfOrder[string, string])
	require.True(t, ok)
	assert.Equal(t, KindParallel, ooo.Inner().Kind())

	e, err = NewExecutor[string, string](ExecutorConfig{Kind: KindOutOfOrder, MaxBatchSize: 2}, cost)
	require.NoError(t, err)
	assert.Equal(t, KindSerial, e.(*OutOfOrder[string, string]).Inner().Kind())

	_, err = NewExecutor[string, string](ExecutorConfig{Kind: KindOutOfOrder, Inner: KindOutOfOrder, MaxBatchSize: 2}, cost)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewExecutor[string, string](ExecutorConfig{Kind: "round_robin", MaxBatchSize: 2}, cost)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewExecutor[string, string](ExecutorConfig{Kind: KindSerial}, cost)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// Every executor returns one result per request, aligned with the request.
func TestExecutorsPreserveCorrespondence(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		reqs := rapid.SliceOfN(rapid.StringMatching(`[a-z]{0,12}`), 0, 40).Draw(rt, "reqs")
		size := rapid.IntRange(1, 6).Draw(rt, "size")
		conc := rapid.IntRange(0, 4).Draw(rt, "concurrency")
		cfg := ExecutorConfig{
			Kind:           rapid.SampledFrom([]Kind{KindSerial, KindParallel, KindOutOfOrder}).Draw(rt, "kind"),
			Inner:          rapid.SampledFrom([]Kind{KindSerial, KindParallel}).Draw(rt, "inner"),
			MaxBatchSize:   size,
			MaxConcurrency: conc,
		}

		exec, err := NewExecutor[string, string](cfg, func(s string) int { return len(s) })
		require.NoError(rt, err)
		r := &recorder{}
		p, err := New(r.process, exec)
		require.NoError(rt, err)

		got, err := p.BatchPredict(context.Background(), reqs)
		require.NoError(rt, err)
		require.Len(rt, got, len(reqs))
		for i := range reqs {
			require.Equal(rt, "out:"+reqs[i], got[i])
		}
		for _, size := range r.sizes() {
			require.LessOrEqual(rt, size, cfg.MaxBatchSize)
		}
	})
}

// Out-of-order output order equals input order for every permutation.
func TestOutOfOrderPermutationInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		base := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z]{1,10}`), 1, 20, rapid.ID[string]).Draw(rt, "base")
		perm := rapid.Permutation(base).Draw(rt, "perm")

		exec, err := NewOutOfOrder[string, string](mustSerialRT(rt, 3), func(s string) int { return len(s) })
		require.NoError(rt, err)
		p, err := New((&recorder{}).process, Executor[string, string](exec))
		require.NoError(rt, err)

		got, err := p.BatchPredict(context.Background(), perm)
		require.NoError(rt, err)
		for i := range perm {
			require.Equal(rt, "out:"+perm[i], got[i])
		}
	})
}

func mustSerialRT(rt *rapid.T, size int) *Serial[string, string] {
	e, err := NewSerial[string, string](size)
	require.NoError(rt, err)
	return e
}
