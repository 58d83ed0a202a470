package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/sagaflow/pkg/api"
)

func (e *engineImpl) stepContext(ctx context.Context, inst *instance) context.Context {
	return api.WithEngine(api.WithMemos(ctx, inst.memos), e)
}

func (e *engineImpl) stepTimeout(step api.Step) time.Duration {
	if t := step.Config().Timeout; t > 0 {
		return t
	}
	return e.defaultStepTimeout
}

func (e *engineImpl) run(ctx context.Context, inst *instance) {
	err := e.executeSteps(ctx, inst)
	e.finish(ctx, inst, err)
}

// executeSteps runs the definition from the instance's current step index.
// Before each step it waits on the pause gate and checks for cancellation.
func (e *engineImpl) executeSteps(ctx context.Context, inst *instance) error {
	steps := inst.def.Steps
	for {
		if err := inst.waitGate(ctx); err != nil {
			return err
		}
		if inst.isCancelled() {
			return api.ErrCancelled
		}

		idx := inst.index()
		if idx >= len(steps) {
			return nil
		}
		if err := e.runStep(ctx, inst, steps[idx], idx); err != nil {
			return err
		}
		inst.advance(idx+1, e.clock.Now())
		e.persist(ctx, inst)
	}
}

// runStep is the per-step retry loop.
func (e *engineImpl) runStep(ctx context.Context, inst *instance, step api.Step, idx int) error {
	ref := inst.ref()
	id := step.ID()
	cfg := step.Config()
	policy := inst.def.RetryFor(step)
	timeout := e.stepTimeout(step)
	stepCtx := e.stepContext(ctx, inst)

	started := e.clock.Now()
	inst.memos.Reset(id)
	inst.stepStarted(id, started)

	for attempt := 1; ; attempt++ {
		e.observer.OnStepStart(ctx, ref, id, idx, attempt)

		value, err := e.attemptStep(stepCtx, step, inst.wctx, timeout)
		now := e.clock.Now()
		if err == nil {
			if cfg.OnSuccess != nil {
				cfg.OnSuccess(inst.wctx, value)
			}
			inst.wctx.SetResult(id, value)
			inst.stepCompleted(step, value, now)
			e.observer.OnStepCompleted(ctx, ref, id, idx, nil, now.Sub(started))
			e.checkpoint(ctx, inst, id)
			return nil
		}

		if ctx.Err() != nil {
			// the run was cancelled, timed out or shut down mid-step
			inst.stepEnded(id, api.StepCancelled, err, e.hasCompletedChildren(inst, id), now)
			return ctx.Err()
		}

		if policy.ShouldRetry(err, attempt) {
			delay := policy.CalculateDelay(attempt)
			inst.stepRetried(id)
			e.observer.OnStepRetry(ctx, ref, id, attempt, delay, err)
			e.undoPartial(ctx, inst, step)

			if err := api.Sleep(ctx, e.clock, delay); err != nil {
				inst.stepEnded(id, api.StepCancelled, err, false, e.clock.Now())
				return err
			}
			continue
		}

		failure := stepFailure(id, err)
		state := api.StepFailed
		if api.KindOf(failure) == api.KindTimeout {
			state = api.StepTimedOut
		}
		if cfg.OnFailure != nil {
			cfg.OnFailure(inst.wctx, failure)
		}
		inst.stepEnded(id, state, failure, e.hasCompletedChildren(inst, id), now)
		inst.wctx.AddError(id, api.KindOf(failure), err.Error())
		e.observer.OnStepCompleted(ctx, ref, id, idx, failure, now.Sub(started))
		return failure
	}
}

// attemptStep runs one attempt under the step timeout, converting panics and
// elapsed deadlines into errors.
func (e *engineImpl) attemptStep(ctx context.Context, step api.Step, wctx *api.WorkflowContext, timeout time.Duration) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, api.PanicError(step.ID(), r)
		}
	}()

	if err := step.Validate(wctx); err != nil {
		return nil, &api.StepExecutionError{StepID: step.ID(), Kind: api.KindValidation, Err: err}
	}

	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	value, err = step.Execute(attemptCtx, wctx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return nil, &api.StepTimeoutError{StepID: step.ID(), Timeout: timeout}
	}
	return value, err
}

// stepFailure attaches the step ID and classification to a final failure.
func stepFailure(stepID string, err error) error {
	if se, ok := err.(*api.StepExecutionError); ok {
		if se.StepID != "" {
			return se
		}
		return &api.StepExecutionError{StepID: stepID, Kind: se.Kind, Err: se.Err}
	}
	return &api.StepExecutionError{StepID: stepID, Kind: api.KindOf(err), Err: err}
}

func (e *engineImpl) hasCompletedChildren(inst *instance, stepID string) bool {
	memo, ok := inst.memos.Get(stepID)
	return ok && len(memo.Completed) > 0
}

// undoPartial compensates the children a failed attempt managed to complete
// before the step is attempted again.
func (e *engineImpl) undoPartial(ctx context.Context, inst *instance, step api.Step) {
	if e.hasCompletedChildren(inst, step.ID()) {
		err := e.compensateOne(ctx, inst, step)
		if err != nil {
			inst.wctx.AddError(step.ID(), api.KindCompensation, err.Error())
		}
		e.observer.OnCompensation(ctx, inst.ref(), step.ID(), err)
	}
	inst.memos.Reset(step.ID())
}

// checkpoint snapshots the context after a completed step and stores it
// under the step's ID.
func (e *engineImpl) checkpoint(ctx context.Context, inst *instance, stepID string) {
	cp := inst.wctx.CreateCheckpoint(stepID)
	if err := e.store.SaveCheckpoint(context.WithoutCancel(ctx), inst.id, cp); err != nil {
		e.logger.Warn("save checkpoint",
			"workflow_id", inst.def.ID,
			"instance_id", inst.id,
			"step", stepID,
			"error", err,
		)
	}
}

// leavePause moves an instance that was paused while its last step was in
// flight back to RUNNING so it can reach a final state.
func (e *engineImpl) leavePause(ctx context.Context, inst *instance) {
	inst.mu.Lock()
	if inst.state != api.StatusPaused {
		inst.mu.Unlock()
		return
	}
	from, err := inst.setStateLocked(api.StatusRunning, e.clock.Now())
	if inst.gate != nil {
		close(inst.gate)
		inst.gate = nil
	}
	inst.mu.Unlock()
	if err == nil {
		e.observer.OnStateChange(ctx, inst.ref(), from, api.StatusRunning)
	}
}

// finish drives the instance to its final state once the run loop returned.
func (e *engineImpl) finish(runCtx context.Context, inst *instance, runErr error) {
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	ctx := context.WithoutCancel(runCtx)
	ref := inst.ref()

	if runErr != nil && inst.shutdown.Load() && !inst.isCancelled() {
		e.logger.Info("instance interrupted by shutdown",
			"workflow_id", ref.WorkflowID,
			"instance_id", ref.InstanceID,
			"step_index", inst.index(),
		)
		e.persist(ctx, inst)
		return
	}

	e.leavePause(ctx, inst)
	if runErr == nil {
		if err := e.transition(ctx, inst, api.StatusCompleted); err == nil {
			inst.markFinished(e.clock.Now())
			e.persist(ctx, inst)
			e.observer.OnWorkflowCompleted(ctx, ref)
			return
		}
		// a concurrent cancel got there first
		runErr = api.ErrCancelled
	}

	var (
		failState api.Status
		cause     = runErr
	)
	switch {
	case inst.isCancelled():
		cause = api.ErrCancelled
	case timedOut:
		failState = api.StatusTimedOut
		cause = fmt.Errorf("%w after %s", api.ErrWorkflowTimeout, inst.def.Timeout)
		inst.wctx.AddError("", api.KindTimeout, cause.Error())
	case api.KindOf(runErr) == api.KindCancelled:
		// the parent of a nested instance was cancelled
		failState = api.StatusCancelled
		cause = api.ErrCancelled
	default:
		failState = api.StatusFailed
	}

	inst.setError(cause)
	e.observer.OnWorkflowFailed(ctx, ref, cause)

	strategy := inst.def.Strategy()
	switch {
	case failState == "":
		// CancelWorkflow already moved the instance to CANCELLED
	case failState == api.StatusFailed && strategy != api.CompensateNone:
		// failures go straight to COMPENSATING
	default:
		if err := e.transition(ctx, inst, failState); err != nil {
			e.logger.Debug("final transition skipped", "instance_id", ref.InstanceID, "error", err)
		}
	}

	if strategy != api.CompensateNone {
		_ = e.runCompensation(ctx, inst)
	}
	inst.markFinished(e.clock.Now())
	e.persist(ctx, inst)
}
