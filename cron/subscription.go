package cron

import (
	"sync"

	rcron "github.com/robfig/cron/v3"
)

// ScheduleStatus reports what a scheduled job is doing.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusIdle      ScheduleStatus = "idle"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusCanceled  ScheduleStatus = "canceled"
)

// Subscription is the handle of one scheduled job.
type Subscription struct {
	scheduler *Scheduler
	id        int64
	name      string
	entryID   rcron.EntryID

	mu      sync.Mutex
	status  ScheduleStatus
	lastErr error
	runs    int
}

// Name returns the label the job was scheduled under.
func (s *Subscription) Name() string { return s.name }

// Status returns the current schedule status.
func (s *Subscription) Status() ScheduleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == "" {
		return ScheduleStatusScheduled
	}
	return s.status
}

// LastError returns the error of the most recent failed run, if any.
func (s *Subscription) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Runs returns how many times the job has run.
func (s *Subscription) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// Unsubscribe removes the job from the schedule. A running invocation is not
// interrupted.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	s.status = ScheduleStatusCanceled
	s.mu.Unlock()
	s.scheduler.remove(s)
}

// begin marks the job running, refusing when a previous run is still going or
// the subscription was cancelled.
func (s *Subscription) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == ScheduleStatusRunning || s.status == ScheduleStatusCanceled {
		return false
	}
	s.status = ScheduleStatusRunning
	s.runs++
	return true
}

func (s *Subscription) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == ScheduleStatusCanceled {
		return
	}
	s.lastErr = err
	if err != nil {
		s.status = ScheduleStatusFailed
		return
	}
	s.status = ScheduleStatusIdle
}
