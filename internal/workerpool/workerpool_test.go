package workerpool_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomasbasham/witnessgo/internal/workerpool"
)

func TestRun_YieldsAllResultsInCompletionOrder(t *testing.T) {
	args := []int{5, 4, 3, 2, 1}

	out := workerpool.Run(context.Background(), 5, args, func(_ context.Context, n int) (int, error) {
		time.Sleep(time.Duration(n) * 20 * time.Millisecond)
		return n * n, nil
	})

	var order []int
	for r := range out {
		require.NoError(t, r.Err)
		order = append(order, r.Arg)
	}

	require.Len(t, order, len(args))
	// The shortest sleep (arg=1) should finish before the longest (arg=5).
	assert.Equal(t, 1, order[0])
	assert.Equal(t, 5, order[len(order)-1])
}

func TestRun_BoundsConcurrency(t *testing.T) {
	const threads = 3
	const n = 30

	args := make([]int, n)
	for i := range args {
		args[i] = i
	}

	var active int32
	var maxActive int32

	start := time.Now()
	out := workerpool.Run(context.Background(), threads, args, func(_ context.Context, _ int) (struct{}, error) {
		cur := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if cur <= m || atomic.CompareAndSwapInt32(&maxActive, m, cur) {
				break
			}
		}
		time.Sleep(200 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return struct{}{}, nil
	})

	count := 0
	for r := range out {
		require.NoError(t, r.Err)
		count++
	}
	elapsed := time.Since(start)

	assert.Equal(t, n, count)
	assert.LessOrEqual(t, int(maxActive), threads)

	expected := time.Duration((n+threads-1)/threads) * 200 * time.Millisecond
	assert.InDelta(t, expected.Seconds(), elapsed.Seconds(), 1.0)
}

func TestRun_PropagatesPerTaskErrorsWithoutAborting(t *testing.T) {
	args := []string{"a", "fail", "c"}

	out := workerpool.Run(context.Background(), 2, args, func(_ context.Context, s string) (string, error) {
		if s == "fail" {
			return "", assert.AnError
		}
		return s + s, nil
	})

	results := make(map[string]workerpool.Result[string, string])
	for r := range out {
		results[r.Arg] = r
	}

	require.Len(t, results, 3)
	assert.NoError(t, results["a"].Err)
	assert.Equal(t, "aa", results["a"].Value)
	assert.Error(t, results["fail"].Err)
	assert.NoError(t, results["c"].Err)
}

func TestRun_CancellationStopsDispatchingNewTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	args := make([]int, 10)
	for i := range args {
		args[i] = i
	}

	var started int32
	out := workerpool.Run(ctx, 1, args, func(ctx context.Context, n int) (int, error) {
		atomic.AddInt32(&started, 1)
		if n == 0 {
			cancel()
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(50 * time.Millisecond):
			return n, nil
		}
	})

	count := 0
	for range out {
		count++
	}
	assert.Equal(t, len(args), count, "every argument must still produce a result")
	assert.Less(t, int(started), len(args), "cancellation must stop further dispatch")
}
