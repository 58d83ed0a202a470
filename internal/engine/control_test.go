package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/sagaflow/internal/persistence"
	"github.com/petrijr/sagaflow/pkg/api"
)

func TestCancelWorkflow_CompensatesCompletedStepsOnce(t *testing.T) {
	e, _ := newTestEngine(t)
	j := &journal{}
	started := make(chan struct{}, 1)

	mustRegister(t, e, &api.WorkflowDefinition{
		ID: "cancellable",
		Steps: []api.Step{
			action("a", j, nil),
			action("b", j, nil),
			action("c", j, blockUntilCancelled(started)),
		},
	})

	id, err := e.StartWorkflow(context.Background(), "cancellable", nil)
	require.NoError(t, err)
	waitStarted(t, started)

	require.NoError(t, e.CancelWorkflow(context.Background(), id))

	rec, err := e.GetWorkflowStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompensated, rec.State)
	assert.Contains(t, states(rec), api.StatusCancelled)
	assert.Equal(t, 1, j.count("comp:a"))
	assert.Equal(t, 1, j.count("comp:b"))
	assert.Zero(t, j.count("comp:c"))
	assert.Equal(t, 1, j.count("exec:c"), "a cancelled step is not retried")
	assert.Equal(t, api.StepCancelled, rec.StepResults["c"].State)
	assert.Equal(t, api.ErrCancelled.Error(), rec.Error)

	err = e.CancelWorkflow(context.Background(), id)
	assert.ErrorIs(t, err, api.ErrInvalidTransition)
	assert.Equal(t, 1, j.count("comp:a"))
}

func TestCancelWorkflow_WithoutCompensation(t *testing.T) {
	e, _ := newTestEngine(t)
	j := &journal{}
	started := make(chan struct{}, 1)

	mustRegister(t, e, &api.WorkflowDefinition{
		ID:                   "keep",
		Steps:                []api.Step{action("a", j, nil), action("b", j, blockUntilCancelled(started))},
		CompensationStrategy: api.CompensateNone,
	})

	id, err := e.StartWorkflow(context.Background(), "keep", nil)
	require.NoError(t, err)
	waitStarted(t, started)
	require.NoError(t, e.CancelWorkflow(context.Background(), id))

	rec := waitFor(t, e, id)
	assert.Equal(t, api.StatusCancelled, rec.State)
	assert.Zero(t, j.count("comp:a"))
}

func TestPauseResume_DoesNotReexecuteCompletedSteps(t *testing.T) {
	e, _ := newTestEngine(t)
	j := &journal{}
	started := make(chan struct{}, 1)
	release := make(chan struct{})

	mustRegister(t, e, &api.WorkflowDefinition{
		ID: "pausable",
		Steps: []api.Step{
			action("a", j, nil),
			action("b", j, func(ctx context.Context, _ int) (any, error) {
				started <- struct{}{}
				select {
				case <-release:
					return "b-ok", nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}),
			action("c", j, nil),
		},
	})

	id, err := e.StartWorkflow(context.Background(), "pausable", nil)
	require.NoError(t, err)
	waitStarted(t, started)

	require.NoError(t, e.PauseWorkflow(context.Background(), id))
	close(release)

	require.Eventually(t, func() bool {
		rec, err := e.GetWorkflowStatus(context.Background(), id)
		return err == nil && rec.StepResults["b"].State == api.StepCompleted
	}, 5*time.Second, 5*time.Millisecond)

	// the run loop is parked at the gate in front of c
	time.Sleep(20 * time.Millisecond)
	rec, err := e.GetWorkflowStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, api.StatusPaused, rec.State)
	assert.Equal(t, 2, rec.CurrentStepIndex)
	assert.Zero(t, j.count("exec:c"))
	assert.Equal(t, 1, e.GetMetrics().Paused)

	require.NoError(t, e.ResumeWorkflow(context.Background(), id))
	rec = waitFor(t, e, id)

	require.Equal(t, api.StatusCompleted, rec.State)
	assert.Equal(t, []string{"exec:a", "exec:b", "exec:c"}, j.list())
	assert.Equal(t, []api.Status{api.StatusRunning, api.StatusPaused, api.StatusRunning, api.StatusCompleted}, states(rec))
}

func TestPauseWorkflow_RejectsTerminalInstances(t *testing.T) {
	e, _ := newTestEngine(t)
	j := &journal{}
	mustRegister(t, e, &api.WorkflowDefinition{ID: "quick", Steps: []api.Step{action("a", j, nil)}})

	rec := startAndWait(t, e, "quick", nil)

	assert.ErrorIs(t, e.PauseWorkflow(context.Background(), rec.InstanceID), api.ErrInvalidTransition)
	assert.ErrorIs(t, e.ResumeWorkflow(context.Background(), rec.InstanceID), api.ErrInvalidTransition)
}

func TestCancelPausedInstance(t *testing.T) {
	e, _ := newTestEngine(t)
	j := &journal{}
	started := make(chan struct{}, 1)
	release := make(chan struct{})

	mustRegister(t, e, &api.WorkflowDefinition{
		ID: "pausable",
		Steps: []api.Step{
			action("a", j, func(context.Context, int) (any, error) {
				started <- struct{}{}
				<-release
				return "a-ok", nil
			}),
			action("b", j, nil),
		},
	})

	id, err := e.StartWorkflow(context.Background(), "pausable", nil)
	require.NoError(t, err)
	waitStarted(t, started)
	require.NoError(t, e.PauseWorkflow(context.Background(), id))
	close(release)

	require.Eventually(t, func() bool {
		rec, err := e.GetWorkflowStatus(context.Background(), id)
		return err == nil && rec.CurrentStepIndex == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, e.CancelWorkflow(context.Background(), id))
	rec := waitFor(t, e, id)

	assert.Equal(t, api.StatusCompensated, rec.State)
	assert.Equal(t, []string{"exec:a", "comp:a"}, j.list())
	assert.Equal(t, []api.Status{
		api.StatusRunning, api.StatusPaused, api.StatusCancelled, api.StatusCompensating, api.StatusCompensated,
	}, states(rec))
}

func TestRehydration_ResumesFromLastCompletedStep(t *testing.T) {
	shared := persistence.NewInMemoryPersistence()
	j := &journal{}
	started := make(chan struct{}, 1)

	first, _ := newTestEngine(t, withPersistence(shared))
	mustRegister(t, first, &api.WorkflowDefinition{
		ID:    "durable",
		Steps: []api.Step{action("a", j, nil), action("b", j, blockUntilCancelled(started)), action("c", j, nil)},
	})

	id, err := first.StartWorkflow(context.Background(), "durable", nil)
	require.NoError(t, err)
	waitStarted(t, started)
	require.NoError(t, first.Shutdown(context.Background()))

	stored, err := shared.Instances.LoadInstance(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, api.StatusRunning, stored.State)
	require.Equal(t, 1, stored.CurrentStepIndex)

	second, _ := newTestEngine(t, withPersistence(shared))
	mustRegister(t, second, &api.WorkflowDefinition{
		ID:    "durable",
		Steps: []api.Step{action("a", j, nil), action("b", j, nil), action("c", j, nil)},
	})

	n, err := second.RecoverStuckInstances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := second.GetWorkflowStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, api.StatusPaused, rec.State)

	require.NoError(t, second.ResumeWorkflow(context.Background(), id))
	rec = waitFor(t, second, id)

	require.Equal(t, api.StatusCompleted, rec.State)
	assert.Equal(t, 1, j.count("exec:a"))
	assert.Equal(t, 2, j.count("exec:b"), "the interrupted step runs again")
	assert.Equal(t, 1, j.count("exec:c"))
	assert.Equal(t, "a-ok", rec.Context.Results["a"].Value)
}

func TestResumeRehydratesRunningRecord(t *testing.T) {
	shared := persistence.NewInMemoryPersistence()
	j := &journal{}
	e, _ := newTestEngine(t, withPersistence(shared))
	mustRegister(t, e, &api.WorkflowDefinition{ID: "orphan", Steps: []api.Step{action("a", j, nil)}})

	rec := &api.InstanceRecord{
		InstanceID:  "orphan-1",
		WorkflowID:  "orphan",
		State:       api.StatusRunning,
		Context:     api.NewWorkflowContext("orphan", "orphan-1", map[string]any{"k": "v"}).Snapshot(),
		StepResults: map[string]api.StepResult{},
		Transitions: []api.StateTransition{{From: api.StatusPending, To: api.StatusRunning, At: t0}},
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}
	require.NoError(t, shared.Instances.SaveInstance(context.Background(), rec))

	require.NoError(t, e.ResumeWorkflow(context.Background(), "orphan-1"))
	got := waitFor(t, e, "orphan-1")

	assert.Equal(t, api.StatusCompleted, got.State)
	assert.Equal(t, []string{"exec:a"}, j.list())
	assert.Equal(t, "v", got.Context.Variables["k"])
}

func TestRecoverStuckInstances_FinishesInterruptedCompensation(t *testing.T) {
	shared := persistence.NewInMemoryPersistence()
	j := &journal{}
	e, _ := newTestEngine(t, withPersistence(shared))
	mustRegister(t, e, &api.WorkflowDefinition{
		ID:    "undo",
		Steps: []api.Step{action("a", j, nil), action("b", j, nil), action("c", j, nil)},
	})

	rec := &api.InstanceRecord{
		InstanceID:        "undo-1",
		WorkflowID:        "undo",
		State:             api.StatusCompensating,
		CurrentStepIndex:  2,
		Context:           api.NewWorkflowContext("undo", "undo-1", nil).Snapshot(),
		StepResults:       map[string]api.StepResult{"a": {StepID: "a", State: api.StepCompleted}, "b": {StepID: "b", State: api.StepCompleted}},
		CompensationStack: []string{"a", "b"},
		CreatedAt:         t0,
		UpdatedAt:         t0,
	}
	require.NoError(t, shared.Instances.SaveInstance(context.Background(), rec))

	n, err := e.RecoverStuckInstances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := e.GetWorkflowStatus(context.Background(), "undo-1")
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompensated, got.State)
	assert.Equal(t, []string{"comp:b", "comp:a"}, j.list())
	assert.Empty(t, got.CompensationStack)
	assert.False(t, got.FinishedAt.IsZero())
}

func TestCancelStoredInstance_WhileEngineIsFull(t *testing.T) {
	shared := persistence.NewInMemoryPersistence()
	j := &journal{}
	started := make(chan struct{}, 1)

	e, _ := newTestEngine(t, withPersistence(shared), func(c *Config) {
		c.MaxConcurrentWorkflows = 1
		c.AdmissionTimeout = 0
	})
	mustRegister(t, e, &api.WorkflowDefinition{
		ID:    "busy",
		Steps: []api.Step{action("hold", j, blockUntilCancelled(started))},
	})
	mustRegister(t, e, &api.WorkflowDefinition{
		ID:    "parked",
		Steps: []api.Step{action("a", j, nil), action("b", j, nil)},
	})

	busy, err := e.StartWorkflow(context.Background(), "busy", nil)
	require.NoError(t, err)
	waitStarted(t, started)

	_, err = e.StartWorkflow(context.Background(), "parked", nil)
	var capErr *api.EngineCapacityError
	require.ErrorAs(t, err, &capErr)

	rec := &api.InstanceRecord{
		InstanceID:        "parked-1",
		WorkflowID:        "parked",
		State:             api.StatusPaused,
		CurrentStepIndex:  1,
		Context:           api.NewWorkflowContext("parked", "parked-1", nil).Snapshot(),
		StepResults:       map[string]api.StepResult{"a": {StepID: "a", State: api.StepCompleted}},
		CompensationStack: []string{"a"},
		Transitions: []api.StateTransition{
			{From: api.StatusPending, To: api.StatusRunning, At: t0},
			{From: api.StatusRunning, To: api.StatusPaused, At: t0},
		},
		CreatedAt: t0,
		UpdatedAt: t0,
	}
	require.NoError(t, shared.Instances.SaveInstance(context.Background(), rec))

	// resuming needs a slot, cancelling does not
	err = e.ResumeWorkflow(context.Background(), "parked-1")
	require.ErrorAs(t, err, &capErr)

	require.NoError(t, e.CancelWorkflow(context.Background(), "parked-1"))
	got := waitFor(t, e, "parked-1")

	assert.Equal(t, api.StatusCompensated, got.State)
	assert.Equal(t, []api.Status{
		api.StatusRunning, api.StatusPaused, api.StatusCancelled, api.StatusCompensating, api.StatusCompensated,
	}, states(got))
	assert.Equal(t, 1, j.count("comp:a"))
	assert.Zero(t, j.count("exec:a"))
	assert.Equal(t, api.ErrCancelled.Error(), got.Error)

	stored, err := shared.Instances.LoadInstance(context.Background(), "parked-1")
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompensated, stored.State)

	assert.ErrorIs(t, e.CancelWorkflow(context.Background(), "parked-1"), api.ErrInvalidTransition)
	require.NoError(t, e.CancelWorkflow(context.Background(), busy))
}
