package engine

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/sagaflow/internal/persistence"
	"github.com/petrijr/sagaflow/pkg/api"
)

var terminalStates = []api.Status{
	api.StatusCompleted,
	api.StatusFailed,
	api.StatusCancelled,
	api.StatusCompensated,
	api.StatusTimedOut,
}

// CleanupCompletedInstances archives terminal instances that finished before
// now-retention and evicts them from memory. Nested instances stay until
// every ancestor has finished, since a parent may still compensate them.
func (e *engineImpl) CleanupCompletedInstances(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := e.clock.Now().Add(-retention)
	removed := 0

	for _, inst := range e.residents() {
		select {
		case <-inst.done:
		default:
			continue
		}
		rec := inst.record()
		if !rec.State.IsTerminal() || rec.FinishedAt.IsZero() || !rec.FinishedAt.Before(cutoff) {
			continue
		}
		held, err := e.heldByAncestor(ctx, rec)
		if err != nil {
			return removed, err
		}
		if held {
			continue
		}
		if err := e.store.ArchiveInstance(ctx, rec); err != nil {
			return removed, &api.PersistenceError{Op: "archive instance", Err: err}
		}
		e.untrack(rec.InstanceID)
		removed++
	}

	stored, err := e.store.ListInstances(ctx, api.ListFilter{States: terminalStates, FinishedBefore: cutoff})
	if err != nil {
		return removed, &api.PersistenceError{Op: "list instances", Err: err}
	}
	for _, rec := range stored {
		if _, ok := e.resident(rec.InstanceID); ok {
			continue
		}
		held, err := e.heldByAncestor(ctx, rec)
		if err != nil {
			return removed, err
		}
		if held {
			continue
		}
		if err := e.store.ArchiveInstance(ctx, rec); err != nil {
			return removed, &api.PersistenceError{Op: "archive instance", Err: err}
		}
		removed++
	}
	return removed, nil
}

// heldByAncestor reports whether some ancestor of a nested instance is still
// live. Archived ancestors count as finished.
func (e *engineImpl) heldByAncestor(ctx context.Context, rec *api.InstanceRecord) (bool, error) {
	for parentID := rec.ParentInstanceID; parentID != ""; {
		if inst, ok := e.resident(parentID); ok {
			select {
			case <-inst.done:
			default:
				return true, nil
			}
			parent := inst.record()
			if !parent.State.IsTerminal() {
				return true, nil
			}
			parentID = parent.ParentInstanceID
			continue
		}

		parent, err := e.store.LoadInstance(ctx, parentID)
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return false, nil
		}
		if err != nil {
			return false, &api.PersistenceError{Op: "load instance", Err: err}
		}
		if !parent.State.IsTerminal() {
			return true, nil
		}
		parentID = parent.ParentInstanceID
	}
	return false, nil
}

// StartJanitor runs CleanupCompletedInstances every interval until ctx is
// done or the engine shuts down.
func (e *engineImpl) StartJanitor(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.closing:
				return
			case <-e.clock.After(interval):
			}

			n, err := e.CleanupCompletedInstances(ctx, retention)
			if err != nil {
				e.logger.Warn("cleanup completed instances", "error", err)
				continue
			}
			if n > 0 {
				e.logger.Info("archived completed instances", "count", n, "retention", retention)
			}
		}
	}()
}

// RecoverStuckInstances looks for persisted instances that claim to be
// running but are not resident, typically after a restart. Running ones are
// parked as PAUSED; interrupted compensations are finished in place.
func (e *engineImpl) RecoverStuckInstances(ctx context.Context) (int, error) {
	stuck, err := e.store.ListInstances(ctx, api.ListFilter{
		States: []api.Status{api.StatusPending, api.StatusRunning, api.StatusCompensating},
	})
	if err != nil {
		return 0, &api.PersistenceError{Op: "list instances", Err: err}
	}

	recovered := 0
	for _, rec := range stuck {
		if _, ok := e.resident(rec.InstanceID); ok {
			continue
		}

		if rec.State != api.StatusCompensating {
			if err := e.pauseRecord(ctx, rec); err != nil {
				return recovered, err
			}
			recovered++
			continue
		}

		def, err := e.defs.Get(rec.WorkflowID)
		if err != nil {
			e.logger.Warn("cannot finish compensation of unregistered workflow",
				"workflow_id", rec.WorkflowID,
				"instance_id", rec.InstanceID,
			)
			continue
		}
		inst := restoreInstance(rec, def, e.clock.Now)
		_ = e.compensate(ctx, inst)
		_ = e.transition(ctx, inst, api.StatusCompensated)
		inst.markFinished(e.clock.Now())
		e.persist(ctx, inst)
		recovered++
	}
	return recovered, nil
}
