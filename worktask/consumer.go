package worktask

import (
	"context"

	"github.com/talepreter/talepreter"
	"github.com/talepreter/talepreter/bus"
)

// Attach subscribes the worker to its page requests on the bus. Requests
// spawn fire and forget tasks through the registry, so handling returns as
// soon as the task is registered.
func (w *Worker) Attach(b *bus.Bus) []bus.Subscription {
	return []bus.Subscription{
		bus.Subscribe(b, w.onProcessRequest),
		bus.Subscribe(b, w.onExecuteRequest),
		bus.Subscribe(b, w.onCancelRequest),
	}
}

func (w *Worker) onProcessRequest(ctx context.Context, msg bus.ProcessPageRequest) error {
	if w.registry.Exists(KindProcess, samePage(msg.Ref)) {
		w.logger.Warn("duplicate process request for page %s rejected", msg.Ref)
		return talepreter.ErrDuplicateWork
	}
	task := &processTask{w: w, ref: msg.Ref, commands: msg.Commands}
	w.registry.Start(KindProcess, msg.Ref, task.run)
	return nil
}

func (w *Worker) onExecuteRequest(ctx context.Context, msg bus.ExecutePageRequest) error {
	if w.registry.Exists(KindExecute, samePage(msg.Ref)) {
		w.logger.Warn("duplicate execute request for page %s rejected", msg.Ref)
		return talepreter.ErrDuplicateWork
	}
	task := &executeTask{w: w, ref: msg.Ref}
	w.registry.Start(KindExecute, msg.Ref, task.run)
	return nil
}

func (w *Worker) onCancelRequest(ctx context.Context, msg bus.CancelPageOperationRequest) error {
	w.registry.Cancel(func(_ Kind, ref talepreter.PageRef) bool {
		return ref.TaleID == msg.TaleID && ref.TaleVersionID == msg.TaleVersionID
	})
	return nil
}

func samePage(ref talepreter.PageRef) func(talepreter.PageRef) bool {
	return func(other talepreter.PageRef) bool { return other == ref }
}
