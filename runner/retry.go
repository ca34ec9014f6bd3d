package runner

import (
	"time"
)

// RetryStrategy encapsulates the delay between retries of one work item.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the given retry attempt.
	// The attempt index starts at 1 on the first retry.
	SleepDuration(attempt int, err error) time.Duration
}

// NoDelayStrategy retries immediately without waiting. Useful in tests.
type NoDelayStrategy struct{}

// SleepDuration always returns zero, causing immediate retries.
func (n NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// LinearBackoffStrategy waits attempt times Base before a retry, so back to
// back failures of the same item spread out without growing unbounded.
type LinearBackoffStrategy struct {
	Base time.Duration
}

// SleepDuration implements a linear backoff.
func (l LinearBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return time.Duration(attempt) * l.Base
}
