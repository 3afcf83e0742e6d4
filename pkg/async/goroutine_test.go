package async

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/forgehealth/pkg/observability"
)

func TestSafeGo_RunsAndRecovers(t *testing.T) {
	done := make(chan struct{})
	SafeGo(context.Background(), observability.NopLogger(), time.Second, "ok", func(ctx context.Context) error {
		close(done)
		return errors.New("logged, not returned")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SafeGo did not execute function")
	}

	panicked := make(chan struct{})
	SafeGo(context.Background(), observability.NopLogger(), time.Second, "panics", func(ctx context.Context) error {
		close(panicked)
		panic("test panic")
	})
	<-panicked
	time.Sleep(20 * time.Millisecond)
}

func TestSafeGo_Timeout(t *testing.T) {
	result := make(chan error, 1)
	SafeGo(context.Background(), observability.NopLogger(), 20*time.Millisecond, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		result <- ctx.Err()
		return ctx.Err()
	})

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("task was not cancelled by timeout")
	}
}

func TestWorkerPool_ProcessesTasks(t *testing.T) {
	pool := NewWorkerPool(context.Background(), PoolConfig{Name: "test", Workers: 3, QueueSize: 10, Timeout: time.Second})

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
			count.Add(1)
			return nil
		}))
	}

	require.NoError(t, pool.Shutdown(time.Second))
	assert.Equal(t, int32(10), count.Load())
	assert.Equal(t, 0, pool.Pending())
}

func TestWorkerPool_LogsErrorsAndPanics(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.InfoLevel, &buf)
	pool := NewWorkerPool(context.Background(), PoolConfig{Name: "test", Workers: 1, QueueSize: 4, Logger: logger})

	var ran atomic.Int32
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error { return errors.New("connection refused") }))
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error { panic("boom") }))
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		ran.Add(1)
		return nil
	}))
	require.NoError(t, pool.Shutdown(time.Second))

	out := buf.String()
	assert.Contains(t, out, "connection refused")
	assert.Contains(t, out, "task panicked")
	assert.Contains(t, out, `"pool":"test"`)
	assert.Equal(t, int32(1), ran.Load(), "a panic does not kill the worker")
}

func TestWorkerPool_Pending(t *testing.T) {
	pool := NewWorkerPool(context.Background(), PoolConfig{Name: "test", Workers: 1, QueueSize: 2})
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error { return nil }))
	assert.Equal(t, 2, pool.Pending())

	close(release)
	require.NoError(t, pool.Shutdown(time.Second))
	assert.Equal(t, 0, pool.Pending())
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(context.Background(), PoolConfig{Name: "test", Workers: 1})
	require.NoError(t, pool.Shutdown(time.Second))

	assert.ErrorIs(t, pool.Submit(context.Background(), func(ctx context.Context) error { return nil }), ErrPoolClosed)
	// second shutdown is a no-op
	assert.NoError(t, pool.Shutdown(time.Second))
}

func TestWorkerPool_SubmitHonoursContext(t *testing.T) {
	pool := NewWorkerPool(context.Background(), PoolConfig{Name: "test", Workers: 1, QueueSize: 1})
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Submit(ctx, func(ctx context.Context) error { return nil }), context.DeadlineExceeded)

	close(release)
	require.NoError(t, pool.Shutdown(time.Second))
}

func TestWorkerPool_ShutdownTimeoutCancelsTasks(t *testing.T) {
	pool := NewWorkerPool(context.Background(), PoolConfig{Name: "test", Workers: 1})
	cancelled := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}))
	<-started

	err := pool.Shutdown(20 * time.Millisecond)
	assert.Error(t, err)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("running task was not cancelled")
	}
}

func TestBatch(t *testing.T) {
	repos := []int64{1, 2, 3, 4, 5}
	var sum atomic.Int64

	errs := Batch(context.Background(), repos, 2, "sum", time.Second, func(ctx context.Context, repo int64) error {
		sum.Add(repo)
		if repo == 3 {
			return errors.New("repo 3 failed")
		}
		return nil
	})

	assert.Equal(t, int64(15), sum.Load())
	require.Len(t, errs, 1)
	assert.EqualError(t, errs[0], "repo 3 failed")
}
