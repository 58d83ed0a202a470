package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/petrijr/sagaflow/pkg/api"
)

// runCompensation moves the instance through COMPENSATING to COMPENSATED,
// undoing its compensation stack in between. The returned error joins the
// failed compensations; they are also recorded in the context.
func (e *engineImpl) runCompensation(ctx context.Context, inst *instance) error {
	if err := e.transition(ctx, inst, api.StatusCompensating); err != nil {
		e.logger.Error("start compensation",
			"workflow_id", inst.def.ID,
			"instance_id", inst.id,
			"error", err,
		)
		return err
	}
	err := e.compensate(ctx, inst)
	if terr := e.transition(ctx, inst, api.StatusCompensated); terr != nil {
		return errors.Join(err, terr)
	}
	return err
}

// compensate undoes every step on the stack in the order the definition's
// strategy asks for. One failing compensation never stops the others.
func (e *engineImpl) compensate(ctx context.Context, inst *instance) error {
	ctx = context.WithoutCancel(ctx)
	stack := inst.takeStack()

	var (
		mu   sync.Mutex
		errs []error
	)
	undo := func(stepID string) {
		err := e.compensateByID(ctx, inst, stepID)
		inst.stepCompensated(stepID, err, e.clock.Now())
		if err != nil {
			inst.wctx.AddError(stepID, api.KindCompensation, err.Error())
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
		e.observer.OnCompensation(ctx, inst.ref(), stepID, err)
	}

	switch inst.def.Strategy() {
	case api.CompensateForward:
		for _, id := range stack {
			undo(id)
		}
	case api.CompensateParallel:
		var wg sync.WaitGroup
		for _, id := range stack {
			wg.Add(1)
			go func() {
				defer wg.Done()
				undo(id)
			}()
		}
		wg.Wait()
	default:
		for _, id := range slices.Backward(stack) {
			undo(id)
		}
	}
	return errors.Join(errs...)
}

func (e *engineImpl) compensateByID(ctx context.Context, inst *instance, stepID string) error {
	step, _, ok := inst.def.FindStep(stepID)
	if !ok {
		return &api.CompensationError{
			StepID: stepID,
			Err:    fmt.Errorf("step not found in workflow %q", inst.def.ID),
		}
	}
	return e.compensateOne(ctx, inst, step)
}

// compensateOne runs a single compensation detached from the run's
// cancellation, bounded by the step timeout and isolated from panics.
func (e *engineImpl) compensateOne(ctx context.Context, inst *instance, step api.Step) error {
	cctx := e.stepContext(context.WithoutCancel(ctx), inst)
	if timeout := e.stepTimeout(step); timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(cctx, timeout)
		defer cancel()
	}
	return api.CompensateChild(cctx, step, inst.wctx)
}
