// Package cron schedules the recurring upkeep jobs of the service host, for
// example store maintenance and task registry sweeps. It wraps robfig/cron
// behind the runtime logging contract.
package cron

import (
	"context"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/talepreter/talepreter"
)

// Job is one recurring unit of upkeep work.
type Job func(ctx context.Context) error

// DefaultJobTimeout bounds a single run of a job.
const DefaultJobTimeout = time.Minute

// Scheduler runs registered jobs on cron expressions.
type Scheduler struct {
	location *time.Location
	seconds  bool
	timeout  time.Duration
	logger   talepreter.Logger

	mu      sync.Mutex
	cron    *rcron.Cron
	handles map[int64]*Subscription
	nextID  int64
}

// NewScheduler builds a scheduler with the given options.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		timeout:  DefaultJobTimeout,
		handles:  make(map[int64]*Subscription),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = talepreter.NormalizeLogger(s.logger)
	s.cron = rcron.New(s.build()...)
	return s
}

// Schedule registers job under a cron expression. The name labels log lines,
// runs overlapping a previous unfinished run are skipped.
func (s *Scheduler) Schedule(expression, name string, job Job) (*Subscription, error) {
	sub := s.newHandle(name)

	wrapped := rcron.FuncJob(func() {
		if !sub.begin() {
			s.logger.Debug("job %s still running, skipping this tick", name)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		err := job(ctx)
		sub.finish(err)
		if err != nil {
			s.logger.Error("job %s failed: %v", name, err)
		}
	})

	entryID, err := s.cron.AddJob(expression, wrapped)
	if err != nil {
		return nil, err
	}
	sub.entryID = entryID

	s.mu.Lock()
	s.handles[sub.id] = sub
	s.mu.Unlock()
	return sub, nil
}

// Start begins executing scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) newHandle(name string) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return &Subscription{scheduler: s, id: s.nextID, name: name}
}

func (s *Scheduler) remove(sub *Subscription) {
	s.mu.Lock()
	delete(s.handles, sub.id)
	s.mu.Unlock()
	s.cron.Remove(sub.entryID)
}

func (s *Scheduler) build() []rcron.Option {
	opts := make([]rcron.Option, 0, 2)
	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}
	if s.seconds {
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}
	return opts
}
