package worktask

import (
	"context"
	"time"

	"github.com/talepreter/talepreter"
	"github.com/talepreter/talepreter/bus"
)

// executeTask executes the persisted commands of one page phase by phase:
// phase 0 first, positive phases in increasing order stopping at the first
// failure, and the reserved last phase at the end. Within a phase commands
// run in parallel.
type executeTask struct {
	w   *Worker
	ref talepreter.PageRef

	success  int
	faulted  int
	timedout int
}

func (t *executeTask) run(ctx context.Context) {
	err := t.work(ctx)
	if err == nil {
		return
	}

	rctx, cancel := context.WithTimeout(context.Background(), recoveryTimeout)
	defer cancel()

	if interrupted(err) {
		t.w.logger.Error("command executing timed out for page %s", t.ref)
		if rerr := t.report(rctx, talepreter.ExecuteTimedout); rerr != nil {
			t.w.logger.Error("execute timeout recovery failed for page %s: %v", t.ref, rerr)
		}
		return
	}

	t.w.logger.Error("command executing failed for page %s: %v", t.ref, err)
	event := bus.ExecuteCommandResponse{
		Ref:           t.ref,
		Service:       t.w.service,
		Status:        bus.ResponseFaulted,
		Error:         bus.ErrorInfoOf(err),
		Command:       "error during executing",
		OperationTime: time.Now().UTC(),
	}
	if perr := t.w.publisher.Publish(rctx, event); perr != nil {
		t.w.logger.Error("could not publish execute failure event for page %s: %v", t.ref, perr)
	}
	if rerr := t.report(rctx, talepreter.ExecuteFaulted); rerr != nil {
		t.w.logger.Error("execute failure recovery failed for page %s: %v", t.ref, rerr)
	}
}

func (t *executeTask) work(ctx context.Context) error {
	start := time.Now()

	result, err := t.executePhase(ctx, talepreter.PhaseFirst)
	if err != nil {
		return err
	}
	if result == talepreter.ExecuteSuccess {
		maxPhase, err := t.w.tasks.AwaitingMaxPhase(ctx, t.ref)
		if err != nil {
			return err
		}
		for phase := 1; phase <= maxPhase; phase++ {
			result, err = t.executePhase(ctx, phase)
			if err != nil {
				return err
			}
			if result != talepreter.ExecuteSuccess {
				break
			}
		}
	}
	// commands spawned during execution land in the reserved last phase and
	// only run once every planned phase succeeded
	if result == talepreter.ExecuteSuccess {
		result, err = t.executePhase(ctx, talepreter.PhaseLast)
		if err != nil {
			return err
		}
	}

	if err := t.report(ctx, result); err != nil {
		return err
	}
	t.w.logger.Info("command executing finalized for page %s with result %s, %d/%d/%d completed/faulted/timedout commands, took %s",
		t.ref, result, t.success, t.faulted, t.timedout, time.Since(start))
	return nil
}

func (t *executeTask) executePhase(ctx context.Context, phase int) (talepreter.ExecuteResult, error) {
	cmds, err := t.w.tasks.AwaitingCommands(ctx, t.ref, phase)
	if err != nil {
		return 0, err
	}
	if len(cmds) == 0 {
		return talepreter.ExecuteSuccess, nil
	}

	pool := t.w.newExecutePool()
	for i := range cmds {
		cmd := &cmds[i]
		pool.AppendTasks(func(ctx context.Context) (struct{}, error) {
			return struct{}{}, t.executeOne(ctx, cmd)
		})
	}
	if _, err := pool.Start(ctx); err != nil {
		return 0, err
	}
	t.publishFailures(ctx, pool.Errors())

	t.success += pool.SuccessCount()
	t.faulted += pool.FaultedCount()
	t.timedout += pool.TimedoutCount()

	switch {
	case pool.FaultedCount() > 0:
		return talepreter.ExecuteFaulted, nil
	case pool.TimedoutCount() > 0:
		return talepreter.ExecuteTimedout, nil
	case pool.SuccessCount() == len(cmds):
		return talepreter.ExecuteSuccess, nil
	default:
		// edge case, it should not happen
		return talepreter.ExecuteBlocked, nil
	}
}

// executeOne applies one command and records its fate on the row regardless
// of outcome, so observers can inspect per command results later.
func (t *executeTask) executeOne(ctx context.Context, cmd *talepreter.Command) error {
	start := time.Now()
	execErr := t.apply(ctx, cmd)

	cmd.Duration = time.Since(start)
	cmd.OperationTime = time.Now().UTC()
	if execErr != nil {
		cmd.Result = talepreter.OutcomeError
		cmd.Error = execErr.Error()
	} else {
		cmd.Result = talepreter.OutcomeSuccess
		cmd.Error = ""
	}
	if merr := t.w.tasks.MarkCommandResult(ctx, cmd); merr != nil {
		t.w.logger.Error("could not record command result for %s: %v", cmd, merr)
	}

	if execErr != nil {
		return talepreter.CommandExecution(cmd.Data.String(), execErr.Error(), execErr)
	}
	return nil
}

func (t *executeTask) apply(ctx context.Context, cmd *talepreter.Command) error {
	if !cmd.IsTrigger() {
		return t.w.executor.ExecuteCommand(ctx, cmd)
	}

	trig, err := cmd.TriggerOf()
	if err != nil {
		return err
	}
	state, err := t.w.executor.ExecuteTrigger(ctx, trig, cmd)
	if err != nil {
		if serr := t.w.tasks.UpdateTriggerState(ctx, cmd.TaleID, cmd.TaleVersionID, trig.ID, talepreter.TriggerFaulted); serr != nil {
			t.w.logger.Error("could not mark trigger %s faulted: %v", trig.ID, serr)
		}
		return err
	}
	trig.State = state
	return t.w.tasks.SetTrigger(ctx, trig)
}

func (t *executeTask) publishFailures(ctx context.Context, errs []error) {
	now := time.Now().UTC()
	for _, err := range errs {
		event := bus.ExecuteCommandResponse{
			Ref:           t.ref,
			Service:       t.w.service,
			Status:        bus.ResponseFaulted,
			Error:         bus.ErrorInfoOf(err),
			Command:       commandOf(err),
			OperationTime: now,
		}
		if perr := t.w.publisher.Publish(ctx, event); perr != nil {
			t.w.logger.Error("could not publish execute failure event for page %s: %v", t.ref, perr)
		}
	}
}

func (t *executeTask) report(ctx context.Context, result talepreter.ExecuteResult) error {
	return t.w.reporter.OnExecuteComplete(ctx, t.ref, t.w.service, result)
}
