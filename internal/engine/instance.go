package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petrijr/sagaflow/pkg/api"
)

// instance is the runtime state of one workflow run. The definition is
// shared and read-only; everything learned while running lives here.
type instance struct {
	id    string
	def   *api.WorkflowDefinition
	wctx  *api.WorkflowContext
	memos *api.StepMemos
	// parentID is set on nested instances.
	parentID string

	mu          sync.Mutex
	state       api.Status
	stepIndex   int
	results     map[string]api.StepResult
	stack       []string
	metrics     api.InstanceMetrics
	transitions []api.StateTransition
	errMsg      string
	createdAt   time.Time
	updatedAt   time.Time
	finishedAt  time.Time

	// gate is non-nil while paused; closing it releases the run loop.
	gate            chan struct{}
	cancelRun       context.CancelFunc
	cancelRequested bool

	shutdown atomic.Bool
	done     chan struct{}
}

func newInstance(id string, def *api.WorkflowDefinition, wctx *api.WorkflowContext, now time.Time) *instance {
	return &instance{
		id:        id,
		def:       def,
		wctx:      wctx,
		memos:     api.NewStepMemos(nil),
		state:     api.StatusPending,
		results:   make(map[string]api.StepResult),
		createdAt: now,
		updatedAt: now,
		done:      make(chan struct{}),
	}
}

// restoreInstance rebuilds an instance from its persisted record. Closures
// come from def, which must be the registered definition for rec.WorkflowID.
func restoreInstance(rec *api.InstanceRecord, def *api.WorkflowDefinition, now func() time.Time) *instance {
	inst := &instance{
		id:          rec.InstanceID,
		parentID:    rec.ParentInstanceID,
		def:         def,
		wctx:        api.RestoreWorkflowContext(rec.Context, api.WithNow(now)),
		memos:       api.NewStepMemos(rec.StepMemos),
		state:       rec.State,
		stepIndex:   rec.CurrentStepIndex,
		results:     maps.Clone(rec.StepResults),
		stack:       slices.Clone(rec.CompensationStack),
		metrics:     rec.Metrics,
		transitions: slices.Clone(rec.Transitions),
		errMsg:      rec.Error,
		createdAt:   rec.CreatedAt,
		updatedAt:   rec.UpdatedAt,
		finishedAt:  rec.FinishedAt,
		done:        make(chan struct{}),
	}
	if inst.results == nil {
		inst.results = make(map[string]api.StepResult)
	}
	if inst.state == api.StatusPaused {
		inst.gate = make(chan struct{})
	}
	return inst
}

func (in *instance) ref() api.InstanceRef {
	return api.InstanceRef{InstanceID: in.id, WorkflowID: in.def.ID}
}

// setStateLocked moves the instance to a new state. The caller holds mu.
func (in *instance) setStateLocked(to api.Status, at time.Time) (api.Status, error) {
	from := in.state
	if !api.CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", api.ErrInvalidTransition, from, to)
	}
	in.state = to
	in.transitions = append(in.transitions, api.StateTransition{From: from, To: to, At: at})
	in.updatedAt = at
	return from, nil
}

func (in *instance) currentState() api.Status {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

func (in *instance) isCancelled() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.cancelRequested
}

func (in *instance) index() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.stepIndex
}

func (in *instance) advance(next int, at time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.stepIndex = next
	in.updatedAt = at
}

// waitGate blocks while the instance is paused.
func (in *instance) waitGate(ctx context.Context) error {
	in.mu.Lock()
	gate := in.gate
	in.mu.Unlock()
	if gate == nil {
		return ctx.Err()
	}
	select {
	case <-gate:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *instance) stepStarted(stepID string, at time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	r := in.results[stepID]
	r.StepID = stepID
	r.State = api.StepRunning
	r.StartTime = at
	r.EndTime = time.Time{}
	r.Error = ""
	r.Value = nil
	in.results[stepID] = r
	in.updatedAt = at
}

func (in *instance) stepRetried(stepID string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	r := in.results[stepID]
	r.RetryCount++
	in.results[stepID] = r
	in.metrics.Retries++
}

func (in *instance) stepCompleted(step api.Step, value any, at time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	r := in.results[step.ID()]
	r.State = api.StepCompleted
	r.Value = value
	r.EndTime = at
	in.results[step.ID()] = r
	if step.Compensable() && !slices.Contains(in.stack, step.ID()) {
		in.stack = append(in.stack, step.ID())
	}
	in.metrics.StepsCompleted++
	in.updatedAt = at
}

// stepEnded records a step that did not complete. Failed composite steps
// whose children partly completed are pushed so their compensation can undo
// those children.
func (in *instance) stepEnded(stepID string, state api.StepState, err error, partial bool, at time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	r := in.results[stepID]
	r.State = state
	r.EndTime = at
	if err != nil {
		r.Error = err.Error()
	}
	in.results[stepID] = r
	if state == api.StepFailed || state == api.StepTimedOut {
		in.metrics.StepsFailed++
	}
	if partial && !slices.Contains(in.stack, stepID) {
		in.stack = append(in.stack, stepID)
	}
	in.updatedAt = at
}

func (in *instance) stepCompensated(stepID string, err error, at time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err != nil {
		in.metrics.CompensationFailures++
		return
	}
	in.metrics.Compensations++
	if r, ok := in.results[stepID]; ok {
		r.State = api.StepCompensated
		in.results[stepID] = r
	}
	in.updatedAt = at
}

// takeStack returns the compensation stack and clears it, so every entry is
// compensated at most once.
func (in *instance) takeStack() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	stack := in.stack
	in.stack = nil
	return stack
}

func (in *instance) setError(err error) {
	if err == nil {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.errMsg == "" {
		in.errMsg = err.Error()
	}
}

func (in *instance) markStarted(at time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.metrics.StartedAt.IsZero() {
		in.metrics.StartedAt = at
	}
}

func (in *instance) markFinished(at time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.finishedAt = at
	in.metrics.FinishedAt = at
	if !in.metrics.StartedAt.IsZero() {
		in.metrics.Duration = at.Sub(in.metrics.StartedAt)
	}
	in.updatedAt = at
}

func (in *instance) record() *api.InstanceRecord {
	in.mu.Lock()
	defer in.mu.Unlock()

	results := make(map[string]api.StepResult, len(in.results))
	for id, r := range in.results {
		results[id] = r
	}
	return &api.InstanceRecord{
		InstanceID:        in.id,
		WorkflowID:        in.def.ID,
		ParentInstanceID:  in.parentID,
		State:             in.state,
		CurrentStepIndex:  in.stepIndex,
		Context:           in.wctx.Snapshot(),
		Metrics:           in.metrics,
		StepResults:       results,
		CompensationStack: slices.Clone(in.stack),
		StepMemos:         in.memos.Snapshot(),
		Transitions:       slices.Clone(in.transitions),
		Error:             in.errMsg,
		CreatedAt:         in.createdAt,
		UpdatedAt:         in.updatedAt,
		FinishedAt:        in.finishedAt,
	}
}
