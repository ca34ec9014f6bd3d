package runner

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/talepreter/talepreter"
)

// Task is one unit of work yielding a result.
type Task[T any] func(ctx context.Context) (T, error)

const (
	// MaxRetries is the hard ceiling on retries of a single item, applied on
	// top of whatever the retry predicates decide.
	MaxRetries = 10

	// DefaultParallel is the in flight cap when none is configured.
	DefaultParallel = 8

	// DefaultBaseDelay spaces retries of an item apart, scaled linearly by
	// its retry count.
	DefaultBaseDelay = 50 * time.Millisecond

	completionPoll = 15 * time.Millisecond
)

type workItem[T any] struct {
	task  Task[T]
	retry int
}

// Pool runs queued tasks with a bounded number in flight and retries items
// its predicates ask to retry. A Pool is loaded with AppendTasks and drained
// once with Start; it is not reusable across runs.
type Pool[T any] struct {
	parallel      int
	strategy      RetryStrategy
	retryOnError  func(error) bool
	retryOnResult func(T) bool
	logger        talepreter.Logger

	mu      sync.Mutex
	queue   []*workItem[T]
	results []T
	errs    []error

	ongoing   atomic.Int32
	remaining atomic.Int64

	successful atomic.Int64
	faulted    atomic.Int64
	timedout   atomic.Int64
}

// NewPool builds a pool with the given options.
func NewPool[T any](opts ...Option[T]) *Pool[T] {
	p := &Pool[T]{
		parallel: DefaultParallel,
		strategy: LinearBackoffStrategy{Base: DefaultBaseDelay},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.parallel <= 0 {
		p.parallel = DefaultParallel
	}
	if p.strategy == nil {
		p.strategy = LinearBackoffStrategy{Base: DefaultBaseDelay}
	}
	p.logger = talepreter.NormalizeLogger(p.logger)
	return p
}

// AppendTasks queues tasks for the next Start call.
func (p *Pool[T]) AppendTasks(tasks ...Task[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range tasks {
		if t != nil {
			p.queue = append(p.queue, &workItem[T]{task: t})
		}
	}
}

// Start drains the queue and blocks until every item has reached a final
// disposition or ctx is done. Retried items stay pending and do not count as
// done until their final attempt settles. On ctx cancellation the collected
// results are abandoned and the ctx error is returned.
func (p *Pool[T]) Start(ctx context.Context) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryExternal, "task runner interrupted before start")
	}

	p.mu.Lock()
	pending := len(p.queue)
	p.mu.Unlock()
	if pending == 0 {
		return nil, nil
	}
	p.remaining.Store(int64(pending))

	for i := 0; i < p.parallel; i++ {
		if !p.launchNext(ctx) {
			break
		}
	}

	ticker := time.NewTicker(completionPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, apperrors.Wrap(ctx.Err(), apperrors.CategoryExternal, "task runner interrupted")
		case <-ticker.C:
			if p.remaining.Load() == 0 {
				p.mu.Lock()
				out := make([]T, len(p.results))
				copy(out, p.results)
				p.mu.Unlock()
				return out, nil
			}
		}
	}
}

// Errors returns the errors of items that settled as faulted.
func (p *Pool[T]) Errors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]error, len(p.errs))
	copy(out, p.errs)
	return out
}

func (p *Pool[T]) SuccessCount() int  { return int(p.successful.Load()) }
func (p *Pool[T]) FaultedCount() int  { return int(p.faulted.Load()) }
func (p *Pool[T]) TimedoutCount() int { return int(p.timedout.Load()) }

// launchNext dequeues one item and runs it on a fresh goroutine, respecting
// the parallel cap. Returns false when the queue is empty or the cap or ctx
// blocks the launch.
func (p *Pool[T]) launchNext(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	// reserve a slot before dequeueing so concurrent completions cannot
	// overshoot the cap
	for {
		cur := p.ongoing.Load()
		if int(cur) >= p.parallel {
			return false
		}
		if p.ongoing.CompareAndSwap(cur, cur+1) {
			break
		}
	}

	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		p.ongoing.Add(-1)
		return false
	}
	item := p.queue[0]
	p.queue = p.queue[1:]
	p.mu.Unlock()

	go p.run(ctx, item)
	return true
}

func (p *Pool[T]) run(ctx context.Context, item *workItem[T]) {
	var (
		result T
		err    error
	)
	if item.retry > 0 {
		err = sleep(ctx, p.strategy.SleepDuration(item.retry, nil))
	}
	if err == nil {
		result, err = item.task(ctx)
	}
	p.ongoing.Add(-1)
	p.settle(item, result, err)

	// the slot just freed up, pick the next pending item if any
	p.launchNext(ctx)
}

// settle decides between done and retry. Exactly one final disposition
// decrements remaining per original queue entry.
func (p *Pool[T]) settle(item *workItem[T], result T, err error) {
	switch {
	case err != nil && isInterrupted(err):
		p.timedout.Add(1)
		p.remaining.Add(-1)

	case err != nil:
		if item.retry < MaxRetries && p.retryOnError != nil && p.retryOnError(err) {
			p.requeue(item)
			return
		}
		p.mu.Lock()
		p.errs = append(p.errs, err)
		p.mu.Unlock()
		p.faulted.Add(1)
		p.remaining.Add(-1)

	case p.retryOnResult != nil && p.retryOnResult(result):
		if item.retry < MaxRetries {
			p.requeue(item)
			return
		}
		// retried enough, keep the last result but count the item as faulted
		p.mu.Lock()
		p.results = append(p.results, result)
		p.mu.Unlock()
		p.faulted.Add(1)
		p.remaining.Add(-1)

	default:
		p.mu.Lock()
		p.results = append(p.results, result)
		p.mu.Unlock()
		p.successful.Add(1)
		p.remaining.Add(-1)
	}
}

func (p *Pool[T]) requeue(item *workItem[T]) {
	item.retry++
	p.logger.Debug("task runner requeues item, retry %d of %d", item.retry, MaxRetries)
	p.mu.Lock()
	p.queue = append(p.queue, item)
	p.mu.Unlock()
}

func isInterrupted(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
