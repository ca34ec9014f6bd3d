// Package worktask runs the worker side of the page pipeline: background
// process and execute tasks pulled off the bus, tracked in a registry so
// duplicates are rejected and a version's work can be cancelled in bulk.
package worktask

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/talepreter/talepreter"
)

const (
	// DefaultTaskTimeout bounds one background page task end to end.
	DefaultTaskTimeout = 15 * time.Second

	// recoveryTimeout bounds the error reporting done after a task already
	// failed or timed out, on a fresh context.
	recoveryTimeout = 30 * time.Second
)

// Kind identifies what a registered task does to its page.
type Kind int

const (
	KindProcess Kind = iota
	KindExecute
)

func (k Kind) String() string {
	switch k {
	case KindProcess:
		return "process"
	case KindExecute:
		return "execute"
	default:
		return "unknown"
	}
}

type entry struct {
	id     uuid.UUID
	kind   Kind
	ref    talepreter.PageRef
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry is the live set of background page tasks of one worker service.
type Registry struct {
	timeout time.Duration
	logger  talepreter.Logger

	mu    sync.RWMutex
	tasks map[uuid.UUID]*entry
}

// NewRegistry builds a registry enforcing the given per task timeout, or
// DefaultTaskTimeout when zero.
func NewRegistry(timeout time.Duration, logger talepreter.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	return &Registry{
		timeout: timeout,
		logger:  talepreter.NormalizeLogger(logger),
		tasks:   make(map[uuid.UUID]*entry),
	}
}

// Handle observes one registered task.
type Handle struct {
	ID   uuid.UUID
	done chan struct{}
}

// Done is closed when the task has finished and left the registry.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Start runs work on its own goroutine under the registry timeout. The task
// removes itself from the registry when work returns, however it returns.
func (r *Registry) Start(kind Kind, ref talepreter.PageRef, work func(ctx context.Context)) *Handle {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	e := &entry{
		id:     uuid.New(),
		kind:   kind,
		ref:    ref,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.mu.Lock()
	r.tasks[e.id] = e
	total := len(r.tasks)
	r.mu.Unlock()
	r.logger.Debug("starting %s task %s for page %s, %d tasks in flight", kind, e.id, ref, total)

	go func() {
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.tasks, e.id)
			r.mu.Unlock()
			close(e.done)
		}()
		work(ctx)
	}()
	return &Handle{ID: e.id, done: e.done}
}

// Exists reports whether a live task of the kind matches the predicate. It
// backs duplicate submission rejection.
func (r *Registry) Exists(kind Kind, pred func(talepreter.PageRef) bool) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.tasks {
		if e.kind == kind && pred(e.ref) {
			return true
		}
	}
	return false
}

// Cancel cancels every live task the predicate matches, without waiting for
// them to finish.
func (r *Registry) Cancel(pred func(Kind, talepreter.PageRef) bool) {
	r.mu.RLock()
	matched := make([]*entry, 0, len(r.tasks))
	for _, e := range r.tasks {
		if pred(e.kind, e.ref) {
			matched = append(matched, e)
		}
	}
	r.mu.RUnlock()

	for _, e := range matched {
		r.logger.Debug("cancelling %s task %s for page %s", e.kind, e.id, e.ref)
		e.cancel()
	}
}

// Len returns the number of tasks in flight.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
