package runner

import (
	"github.com/talepreter/talepreter"
)

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithParallel caps how many tasks run at once.
func WithParallel[T any](n int) Option[T] {
	return func(p *Pool[T]) {
		if n > 0 {
			p.parallel = n
		}
	}
}

// WithRetryStrategy overrides the delay between retries of an item.
func WithRetryStrategy[T any](s RetryStrategy) Option[T] {
	return func(p *Pool[T]) {
		if s != nil {
			p.strategy = s
		}
	}
}

// WithRetryOnError retries an item whose task returned an error the
// predicate accepts, until the retry ceiling.
func WithRetryOnError[T any](fn func(error) bool) Option[T] {
	return func(p *Pool[T]) {
		p.retryOnError = fn
	}
}

// WithRetryOnResult retries an item whose task succeeded but whose result
// the predicate rejects, until the retry ceiling.
func WithRetryOnResult[T any](fn func(T) bool) Option[T] {
	return func(p *Pool[T]) {
		p.retryOnResult = fn
	}
}

// WithLogger sets the pool logger.
func WithLogger[T any](logger talepreter.Logger) Option[T] {
	return func(p *Pool[T]) {
		p.logger = logger
	}
}
