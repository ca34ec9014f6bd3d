package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsAllTasks(t *testing.T) {
	pool := NewPool[int](WithRetryStrategy[int](NoDelayStrategy{}))
	for i := 0; i < 20; i++ {
		n := i
		pool.AppendTasks(func(ctx context.Context) (int, error) {
			return n, nil
		})
	}

	results, err := pool.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 20 {
		t.Fatalf("expected 20 results, got %d", len(results))
	}
	if pool.SuccessCount() != 20 {
		t.Fatalf("expected 20 successes, got %d", pool.SuccessCount())
	}
	if pool.FaultedCount() != 0 || pool.TimedoutCount() != 0 {
		t.Fatalf("unexpected failure counters: faulted=%d timedout=%d", pool.FaultedCount(), pool.TimedoutCount())
	}
}

func TestPoolEmptyQueue(t *testing.T) {
	pool := NewPool[string]()
	results, err := pool.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
}

func TestPoolRespectsParallelCap(t *testing.T) {
	const limit = 3
	var current, peak int64
	var mu sync.Mutex

	pool := NewPool[struct{}](WithParallel[struct{}](limit), WithRetryStrategy[struct{}](NoDelayStrategy{}))
	for i := 0; i < 24; i++ {
		pool.AppendTasks(func(ctx context.Context) (struct{}, error) {
			n := atomic.AddInt64(&current, 1)
			mu.Lock()
			if n > peak {
				peak = n
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return struct{}{}, nil
		})
	}

	if _, err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if peak > limit {
		t.Fatalf("parallel cap %d exceeded, peak was %d", limit, peak)
	}
}

func TestPoolRetriesOnError(t *testing.T) {
	var attempts atomic.Int64
	pool := NewPool[int](
		WithRetryStrategy[int](NoDelayStrategy{}),
		WithRetryOnError[int](func(err error) bool { return true }),
	)
	pool.AppendTasks(func(ctx context.Context) (int, error) {
		if attempts.Add(1) < 4 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})

	results, err := pool.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0] != 42 {
		t.Fatalf("expected recovered result, got %v", results)
	}
	if got := attempts.Load(); got != 4 {
		t.Fatalf("expected 4 attempts, got %d", got)
	}
	if pool.SuccessCount() != 1 || pool.FaultedCount() != 0 {
		t.Fatalf("unexpected counters: success=%d faulted=%d", pool.SuccessCount(), pool.FaultedCount())
	}
}

func TestPoolRetryCeiling(t *testing.T) {
	var attempts atomic.Int64
	pool := NewPool[int](
		WithRetryStrategy[int](NoDelayStrategy{}),
		WithRetryOnError[int](func(err error) bool { return true }),
	)
	pool.AppendTasks(func(ctx context.Context) (int, error) {
		attempts.Add(1)
		return 0, errors.New("always broken")
	})

	if _, err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// first attempt plus MaxRetries retries
	if got := attempts.Load(); got != MaxRetries+1 {
		t.Fatalf("expected %d attempts, got %d", MaxRetries+1, got)
	}
	if pool.FaultedCount() != 1 {
		t.Fatalf("expected 1 faulted item, got %d", pool.FaultedCount())
	}
	if errs := pool.Errors(); len(errs) != 1 {
		t.Fatalf("expected the final error to be collected, got %d", len(errs))
	}
}

func TestPoolNoRetryWhenPredicateDeclines(t *testing.T) {
	var attempts atomic.Int64
	pool := NewPool[int](
		WithRetryStrategy[int](NoDelayStrategy{}),
		WithRetryOnError[int](func(err error) bool { return false }),
	)
	pool.AppendTasks(func(ctx context.Context) (int, error) {
		attempts.Add(1)
		return 0, errors.New("fatal")
	})

	if _, err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
	if pool.FaultedCount() != 1 {
		t.Fatalf("expected 1 faulted item, got %d", pool.FaultedCount())
	}
}

func TestPoolRetriesOnResult(t *testing.T) {
	var attempts atomic.Int64
	pool := NewPool[int](
		WithRetryStrategy[int](NoDelayStrategy{}),
		WithRetryOnResult[int](func(v int) bool { return v < 3 }),
	)
	pool.AppendTasks(func(ctx context.Context) (int, error) {
		return int(attempts.Add(1)), nil
	})

	results, err := pool.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0] != 3 {
		t.Fatalf("expected retried result 3, got %v", results)
	}
	if pool.SuccessCount() != 1 {
		t.Fatalf("expected 1 success, got %d", pool.SuccessCount())
	}
}

func TestPoolResultCeilingCountsFaulted(t *testing.T) {
	pool := NewPool[int](
		WithRetryStrategy[int](NoDelayStrategy{}),
		WithRetryOnResult[int](func(v int) bool { return true }),
	)
	pool.AppendTasks(func(ctx context.Context) (int, error) { return 7, nil })

	results, err := pool.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// the last rejected result is still collected, the item counts as faulted
	if len(results) != 1 || results[0] != 7 {
		t.Fatalf("expected final result kept, got %v", results)
	}
	if pool.FaultedCount() != 1 || pool.SuccessCount() != 0 {
		t.Fatalf("unexpected counters: success=%d faulted=%d", pool.SuccessCount(), pool.FaultedCount())
	}
}

func TestPoolCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool[int](WithParallel[int](2))
	for i := 0; i < 8; i++ {
		pool.AppendTasks(func(ctx context.Context) (int, error) {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(5 * time.Second):
				return 1, nil
			}
		})
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if _, err := pool.Start(ctx); err == nil {
		t.Fatal("expected error after cancellation")
	}
}

func TestPoolCancelledTasksCountTimedout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	pool := NewPool[int](WithParallel[int](4))
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		pool.AppendTasks(func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})
	}

	go func() {
		pool.Start(ctx)
		close(done)
	}()
	<-done

	// give settle goroutines a moment to record dispositions
	time.Sleep(20 * time.Millisecond)
	if pool.TimedoutCount() != 4 {
		t.Fatalf("expected 4 timedout items, got %d", pool.TimedoutCount())
	}
}

func TestLinearBackoff(t *testing.T) {
	s := LinearBackoffStrategy{Base: 10 * time.Millisecond}
	if d := s.SleepDuration(0, nil); d != 0 {
		t.Fatalf("attempt 0 should not wait, got %v", d)
	}
	if d := s.SleepDuration(3, nil); d != 30*time.Millisecond {
		t.Fatalf("expected 30ms, got %v", d)
	}
}
