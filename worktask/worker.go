package worktask

import (
	"context"
	stderrors "errors"

	"github.com/talepreter/talepreter"
	"github.com/talepreter/talepreter/bus"
	"github.com/talepreter/talepreter/runner"
	"github.com/talepreter/talepreter/store"
)

// Processor expands one submitted command into zero or more persisted command
// rows for this service. An empty result means the service is not interested
// in the command. Derived rows may land in any non negative phase, or the
// reserved last phase when they must run after everything else.
type Processor interface {
	Process(ctx context.Context, cmd talepreter.Command) ([]talepreter.Command, error)
}

// BatchProcessor runs one global pass over all processed rows of a page.
// Services without cross command concerns do not provide one.
type BatchProcessor interface {
	BatchProcess(ctx context.Context, cmds []talepreter.Command) ([]talepreter.Command, error)
}

// Executor applies a command to the entity it targets. ExecuteTrigger returns
// the state the trigger ends up in, so a freshly scheduled trigger reports
// set, a fired one triggered, and one whose target became immune invalid.
type Executor interface {
	ExecuteCommand(ctx context.Context, cmd *talepreter.Command) error
	ExecuteTrigger(ctx context.Context, trig *talepreter.Trigger, cmd *talepreter.Command) (talepreter.TriggerState, error)
}

// PageReporter receives the aggregate stage outcome of a page, keyed by the
// reporting service.
type PageReporter interface {
	OnProcessComplete(ctx context.Context, ref talepreter.PageRef, service string, result talepreter.ProcessResult) error
	OnExecuteComplete(ctx context.Context, ref talepreter.PageRef, service string, result talepreter.ExecuteResult) error
}

// Worker is the background pipeline of one entity service: it consumes page
// requests from the bus, runs process and execute tasks against the service's
// stores, and reports aggregate outcomes back to the page.
type Worker struct {
	service   string
	tasks     store.TaskStore
	publisher bus.Publisher
	reporter  PageReporter
	processor Processor
	batch     BatchProcessor
	executor  Executor
	registry  *Registry
	parallel  int
	retryOn   func(error) bool
	logger    talepreter.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker logger.
func WithLogger(logger talepreter.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithParallel caps how many commands a task runs at once.
func WithParallel(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.parallel = n
		}
	}
}

// WithBatchProcessor adds a global post processing pass to the process task.
func WithBatchProcessor(bp BatchProcessor) Option {
	return func(w *Worker) {
		w.batch = bp
	}
}

// WithRetryOnError retries individual commands whose error the predicate
// accepts, up to the runner's retry ceiling.
func WithRetryOnError(fn func(error) bool) Option {
	return func(w *Worker) {
		w.retryOn = fn
	}
}

// WithRegistry shares a registry between workers instead of the private one.
func WithRegistry(r *Registry) Option {
	return func(w *Worker) {
		if r != nil {
			w.registry = r
		}
	}
}

// NewWorker builds the worker of one entity service.
func NewWorker(service string, tasks store.TaskStore, publisher bus.Publisher, reporter PageReporter, processor Processor, executor Executor, opts ...Option) *Worker {
	w := &Worker{
		service:   service,
		tasks:     tasks,
		publisher: publisher,
		reporter:  reporter,
		processor: processor,
		executor:  executor,
		parallel:  runner.DefaultParallel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	w.logger = talepreter.LoggerWithFields(talepreter.NormalizeLogger(w.logger), map[string]any{"service": service})
	if w.registry == nil {
		w.registry = NewRegistry(DefaultTaskTimeout, w.logger)
	}
	return w
}

// Service returns the worker's service name, the key its page results are
// recorded under.
func (w *Worker) Service() string { return w.service }

// Registry exposes the task registry, mainly for host level stats.
func (w *Worker) Registry() *Registry { return w.registry }

func (w *Worker) newProcessPool() *runner.Pool[[]talepreter.Command] {
	opts := []runner.Option[[]talepreter.Command]{
		runner.WithParallel[[]talepreter.Command](w.parallel),
		runner.WithLogger[[]talepreter.Command](w.logger),
	}
	if w.retryOn != nil {
		opts = append(opts, runner.WithRetryOnError[[]talepreter.Command](w.retryOn))
	}
	return runner.NewPool(opts...)
}

func (w *Worker) newExecutePool() *runner.Pool[struct{}] {
	opts := []runner.Option[struct{}]{
		runner.WithParallel[struct{}](w.parallel),
		runner.WithLogger[struct{}](w.logger),
	}
	if w.retryOn != nil {
		opts = append(opts, runner.WithRetryOnError[struct{}](w.retryOn))
	}
	return runner.NewPool(opts...)
}

func interrupted(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}
