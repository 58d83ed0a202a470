package engine

import (
	"context"
	"fmt"

	"github.com/petrijr/sagaflow/pkg/api"
)

// RunSubworkflow runs a nested instance to its final state on the calling
// goroutine. The nested run is cancelled together with ctx and never takes
// an admission slot, so nesting cannot deadlock a saturated engine.
func (e *engineImpl) RunSubworkflow(ctx context.Context, workflowID string, input map[string]any, parent *api.WorkflowContext, onStart func(instanceID string)) (*api.InstanceRecord, error) {
	def, err := e.defs.Get(workflowID)
	if err != nil {
		return nil, err
	}
	if input == nil && parent != nil {
		input = parent.Variables()
	}

	inst := e.createInstance(def, input)
	if parent != nil {
		inst.parentID = parent.InstanceID
	}
	if err := e.store.SaveInstance(ctx, inst.record()); err != nil {
		return nil, &api.PersistenceError{Op: "save instance", Err: err}
	}
	e.track(inst)
	if onStart != nil {
		onStart(inst.id)
	}
	if parent != nil {
		e.logger.Debug("nested workflow started",
			"workflow_id", def.ID,
			"instance_id", inst.id,
			"parent_instance_id", parent.InstanceID,
		)
	}

	e.observer.OnWorkflowStart(ctx, inst.ref())
	inst.markStarted(e.clock.Now())
	_ = e.transition(ctx, inst, api.StatusRunning)

	runCtx, cancel := runContext(ctx, def)
	inst.mu.Lock()
	inst.cancelRun = cancel
	inst.mu.Unlock()

	func() {
		defer close(inst.done)
		defer cancel()
		e.run(runCtx, inst)
	}()

	rec := inst.record()
	if rec.State == api.StatusCompleted {
		return rec, nil
	}
	if err := ctx.Err(); err != nil {
		return rec, err
	}
	return rec, fmt.Errorf("nested instance %s ended %s: %s", rec.InstanceID, rec.State, rec.Error)
}

// UndoSubworkflow cancels a live nested instance or compensates a completed
// one. Instances that already failed compensated themselves.
func (e *engineImpl) UndoSubworkflow(ctx context.Context, instanceID string) error {
	inst, ok := e.resident(instanceID)
	if !ok {
		rec, err := e.load(ctx, instanceID)
		if err != nil {
			return err
		}
		def, err := e.defs.Get(rec.WorkflowID)
		if err != nil {
			return err
		}
		inst = restoreInstance(rec, def, e.clock.Now)
	}

	switch inst.currentState() {
	case api.StatusCompleted:
		err := e.runCompensation(ctx, inst)
		inst.markFinished(e.clock.Now())
		e.persist(ctx, inst)
		return err
	case api.StatusPending, api.StatusRunning, api.StatusPaused:
		return e.CancelWorkflow(ctx, instanceID)
	default:
		return nil
	}
}
