package api

import (
	"context"
	"slices"
	"sync"
)

// StepMemo is the per-run state a composite step leaves behind so that it
// can be compensated (or resumed) later without mutating the shared
// definition.
type StepMemo struct {
	// Branch is the branch a ConditionalStep took: "true", "false" or "none".
	Branch string `json:"branch,omitempty"`

	// Completed lists child step IDs in completion order.
	Completed []string `json:"completed,omitempty"`

	// ChildStates records the final state of every started child.
	ChildStates map[string]StepState `json:"child_states,omitempty"`

	// Items is the materialized item list of a LoopStep.
	Items []any `json:"items,omitempty"`

	// ChildInstanceID is the nested instance of a SubworkflowStep.
	ChildInstanceID string `json:"child_instance_id,omitempty"`
}

// StepMemos is the side table of StepMemo values for one instance.
type StepMemos struct {
	mu    sync.Mutex
	memos map[string]*StepMemo
}

// NewStepMemos creates a side table, optionally seeded from a persisted one.
func NewStepMemos(from map[string]StepMemo) *StepMemos {
	m := &StepMemos{memos: make(map[string]*StepMemo, len(from))}
	for id, memo := range from {
		cp := copyMemo(memo)
		m.memos[id] = &cp
	}
	return m
}

func (m *StepMemos) entry(stepID string) *StepMemo {
	e, ok := m.memos[stepID]
	if !ok {
		e = &StepMemo{}
		m.memos[stepID] = e
	}
	return e
}

// Get returns a copy of a step's memo.
func (m *StepMemos) Get(stepID string) (StepMemo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.memos[stepID]
	if !ok {
		return StepMemo{}, false
	}
	return copyMemo(*e), true
}

// SetBranch records the branch taken by a conditional step.
func (m *StepMemos) SetBranch(stepID, branch string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry(stepID).Branch = branch
}

// SetItems records the items a loop step iterated over.
func (m *StepMemos) SetItems(stepID string, items []any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry(stepID).Items = copyValue(items).([]any)
}

// SetChildState records a child's final state. Completed children are also
// appended to the completion order.
func (m *StepMemos) SetChildState(stepID, childID string, state StepState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(stepID)
	if e.ChildStates == nil {
		e.ChildStates = make(map[string]StepState)
	}
	e.ChildStates[childID] = state
	if state == StepCompleted && !slices.Contains(e.Completed, childID) {
		e.Completed = append(e.Completed, childID)
	}
}

// SetChildInstance records the nested instance started by a subworkflow step.
func (m *StepMemos) SetChildInstance(stepID, instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry(stepID).ChildInstanceID = instanceID
}

// Reset forgets a step's memo, used before a retry attempt.
func (m *StepMemos) Reset(stepID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.memos, stepID)
}

// Snapshot returns a deep copy of the table.
func (m *StepMemos) Snapshot() map[string]StepMemo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]StepMemo, len(m.memos))
	for id, e := range m.memos {
		out[id] = copyMemo(*e)
	}
	return out
}

func copyMemo(in StepMemo) StepMemo {
	out := StepMemo{
		Branch:          in.Branch,
		Completed:       slices.Clone(in.Completed),
		ChildInstanceID: in.ChildInstanceID,
	}
	if in.ChildStates != nil {
		out.ChildStates = make(map[string]StepState, len(in.ChildStates))
		for k, v := range in.ChildStates {
			out.ChildStates[k] = v
		}
	}
	if in.Items != nil {
		out.Items = copyValue(in.Items).([]any)
	}
	return out
}

type memosKey struct{}

// WithMemos returns a context carrying the instance's side table.
func WithMemos(ctx context.Context, m *StepMemos) context.Context {
	return context.WithValue(ctx, memosKey{}, m)
}

// MemosFromContext returns the side table attached to ctx. Steps executed
// outside an engine get a fresh, throwaway table.
func MemosFromContext(ctx context.Context) *StepMemos {
	if m, ok := ctx.Value(memosKey{}).(*StepMemos); ok && m != nil {
		return m
	}
	return NewStepMemos(nil)
}

// SubworkflowRunner is the part of the engine that SubworkflowStep needs.
type SubworkflowRunner interface {
	// RunSubworkflow starts and runs a nested instance to completion on the
	// calling goroutine. onStart is invoked with the nested instance ID
	// before the first step executes.
	RunSubworkflow(ctx context.Context, workflowID string, input map[string]any, parent *WorkflowContext, onStart func(instanceID string)) (*InstanceRecord, error)

	// UndoSubworkflow cancels a live nested instance or compensates a
	// completed one.
	UndoSubworkflow(ctx context.Context, instanceID string) error
}

type engineKey struct{}

// WithEngine returns a context carrying the engine for nested workflows.
func WithEngine(ctx context.Context, r SubworkflowRunner) context.Context {
	return context.WithValue(ctx, engineKey{}, r)
}

// EngineFromContext returns the engine attached to ctx, if any.
func EngineFromContext(ctx context.Context) (SubworkflowRunner, bool) {
	r, ok := ctx.Value(engineKey{}).(SubworkflowRunner)
	return r, ok && r != nil
}
