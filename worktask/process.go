package worktask

import (
	"context"
	"time"

	"github.com/talepreter/talepreter"
	"github.com/talepreter/talepreter/bus"
	"github.com/talepreter/talepreter/runner"
)

// processTask processes the commands of one page: every submitted command is
// expanded in parallel, the derived rows are compacted and persisted, and the
// aggregate outcome is reported to the page.
type processTask struct {
	w        *Worker
	ref      talepreter.PageRef
	commands []talepreter.CommandData
}

func (t *processTask) run(ctx context.Context) {
	pool := t.w.newProcessPool()
	err := t.work(ctx, pool)
	if err == nil {
		return
	}

	// reporting happens on a fresh context, the task's own may be the thing
	// that failed
	rctx, cancel := context.WithTimeout(context.Background(), recoveryTimeout)
	defer cancel()

	if interrupted(err) {
		t.w.logger.Error("command processing timed out for page %s", t.ref)
		t.publishFailures(rctx, pool.Errors())
		if rerr := t.report(rctx, talepreter.ProcessTimedout); rerr != nil {
			t.w.logger.Error("process timeout recovery failed for page %s: %v", t.ref, rerr)
		}
		return
	}

	t.w.logger.Error("command processing failed for page %s: %v", t.ref, err)
	t.publishFailures(rctx, pool.Errors())
	event := bus.ProcessCommandResponse{
		Ref:           t.ref,
		Service:       t.w.service,
		Status:        bus.ResponseFaulted,
		Error:         bus.ErrorInfoOf(err),
		Command:       "error during processing",
		OperationTime: time.Now().UTC(),
	}
	if perr := t.w.publisher.Publish(rctx, event); perr != nil {
		t.w.logger.Error("could not publish process failure event for page %s: %v", t.ref, perr)
	}
	if rerr := t.report(rctx, talepreter.ProcessFaulted); rerr != nil {
		t.w.logger.Error("process failure recovery failed for page %s: %v", t.ref, rerr)
	}
}

func (t *processTask) work(ctx context.Context, pool *runner.Pool[[]talepreter.Command]) error {
	start := time.Now()

	// a page may be reprocessed, rows of the previous attempt are stale
	if err := t.w.tasks.DeletePageCommands(ctx, t.ref); err != nil {
		return err
	}

	now := time.Now().UTC()
	for i, data := range t.commands {
		cmd := talepreter.Command{
			TaleID:        t.ref.TaleID,
			TaleVersionID: t.ref.TaleVersionID,
			Chapter:       t.ref.Chapter,
			Page:          t.ref.Page,
			Phase:         talepreter.PhaseFirst,
			Index:         i,
			Tag:           data.Tag,
			Target:        data.Target,
			Data:          data,
			OperationTime: now,
		}
		pool.AppendTasks(t.processOne(cmd))
	}

	results, err := pool.Start(ctx)
	if err != nil {
		return err
	}
	t.publishFailures(ctx, pool.Errors())

	var result talepreter.ProcessResult
	switch {
	case pool.FaultedCount() > 0:
		result = talepreter.ProcessFaulted
	case pool.TimedoutCount() > 0:
		result = talepreter.ProcessTimedout
	case pool.SuccessCount() == len(t.commands):
		result = talepreter.ProcessSuccess
	default:
		// edge case, it should not happen
		result = talepreter.ProcessBlocked
	}

	rows := make([]talepreter.Command, 0, len(t.commands))
	for _, batch := range results {
		rows = append(rows, batch...)
	}

	if t.w.batch != nil {
		extra, err := t.w.batch.BatchProcess(ctx, rows)
		if err != nil {
			return err
		}
		rows = append(rows, extra...)
	}

	compacted, err := CompactPhases(rows)
	if err != nil {
		return err
	}
	if len(compacted) > 0 {
		if err := t.w.tasks.AppendCommands(ctx, compacted); err != nil {
			return err
		}
	}

	if err := t.report(ctx, result); err != nil {
		return err
	}
	t.w.logger.Info("command processing finalized for page %s with result %s, %d/%d/%d completed/faulted/timedout commands, took %s",
		t.ref, result, pool.SuccessCount(), pool.FaultedCount(), pool.TimedoutCount(), time.Since(start))
	return nil
}

func (t *processTask) processOne(cmd talepreter.Command) runner.Task[[]talepreter.Command] {
	return func(ctx context.Context) ([]talepreter.Command, error) {
		if cmd.Tag == "" || cmd.Target == "" {
			return nil, talepreter.CommandValidation(cmd.Data.String(), "command has no tag or target set")
		}
		out, err := t.w.processor.Process(ctx, cmd)
		if err != nil {
			return nil, talepreter.CommandProcessing(cmd.Data.String(), "command processing failed", err)
		}
		return out, nil
	}
}

func (t *processTask) publishFailures(ctx context.Context, errs []error) {
	now := time.Now().UTC()
	for _, err := range errs {
		event := bus.ProcessCommandResponse{
			Ref:           t.ref,
			Service:       t.w.service,
			Status:        bus.ResponseFaulted,
			Error:         bus.ErrorInfoOf(err),
			Command:       commandOf(err),
			OperationTime: now,
		}
		if perr := t.w.publisher.Publish(ctx, event); perr != nil {
			t.w.logger.Error("could not publish process failure event for page %s: %v", t.ref, perr)
		}
	}
}

func (t *processTask) report(ctx context.Context, result talepreter.ProcessResult) error {
	return t.w.reporter.OnProcessComplete(ctx, t.ref, t.w.service, result)
}

func commandOf(err error) string {
	if cmd := talepreter.ErrorCommand(err); cmd != "" {
		return cmd
	}
	return "no command data available"
}
