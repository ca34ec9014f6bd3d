package cron

import (
	"time"

	"github.com/talepreter/talepreter"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocation sets the time zone expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithSecondsParser accepts six field expressions with a leading seconds
// field.
func WithSecondsParser() Option {
	return func(s *Scheduler) {
		s.seconds = true
	}
}

// WithJobTimeout bounds a single run of any scheduled job.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(logger talepreter.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}
