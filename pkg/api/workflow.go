package api

import (
	"slices"
	"time"
)

// Status represents the lifecycle state of a workflow instance.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusRunning      Status = "RUNNING"
	StatusPaused       Status = "PAUSED"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCancelled    Status = "CANCELLED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusTimedOut     Status = "TIMED_OUT"
)

// transitions lists the legal target states for every source state.
var transitions = map[Status][]Status{
	StatusPending:      {StatusRunning, StatusCancelled},
	StatusRunning:      {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut, StatusCompensating},
	StatusPaused:       {StatusRunning, StatusCancelled, StatusCompensating},
	StatusCompleted:    {StatusCompensating},
	StatusFailed:       {StatusCompensating},
	StatusCancelled:    {StatusCompensating},
	StatusTimedOut:     {StatusCompensating},
	StatusCompensating: {StatusCompensated},
}

// CanTransition reports whether an instance may move from one state to another.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// IsTerminal reports whether no further execution happens in this state.
// FAILED, CANCELLED and TIMED_OUT are terminal only once the engine has
// decided not to compensate; the engine never leaves an instance parked in
// them while compensation is pending. A COMPLETED nested instance is only
// compensated when its parent step is.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusCompensated, StatusTimedOut:
		return true
	default:
		return false
	}
}

// StepState is the lifecycle state of a single step execution.
type StepState string

const (
	StepPending     StepState = "PENDING"
	StepRunning     StepState = "RUNNING"
	StepCompleted   StepState = "COMPLETED"
	StepFailed      StepState = "FAILED"
	StepSkipped     StepState = "SKIPPED"
	StepTimedOut    StepState = "TIMED_OUT"
	StepCancelled   StepState = "CANCELLED"
	StepCompensated StepState = "COMPENSATED"
)

// CompensationStrategy controls the order in which completed steps are
// compensated after an irrecoverable failure or a cancellation.
type CompensationStrategy string

const (
	CompensateNone     CompensationStrategy = "NONE"
	CompensateBackward CompensationStrategy = "BACKWARD"
	CompensateForward  CompensationStrategy = "FORWARD"
	CompensateParallel CompensationStrategy = "PARALLEL"
)

// Valid reports whether s is one of the known strategies.
func (s CompensationStrategy) Valid() bool {
	switch s {
	case CompensateNone, CompensateBackward, CompensateForward, CompensateParallel:
		return true
	default:
		return false
	}
}

// StepResult records the outcome of one step within one instance.
type StepResult struct {
	StepID     string    `json:"step_id"`
	State      StepState `json:"state"`
	Value      any       `json:"value,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time,omitempty"`
	RetryCount int       `json:"retry_count"`
}

// InstanceMetrics are per-instance counters.
type InstanceMetrics struct {
	StepsCompleted       int           `json:"steps_completed"`
	StepsFailed          int           `json:"steps_failed"`
	Retries              int           `json:"retries"`
	Compensations        int           `json:"compensations"`
	CompensationFailures int           `json:"compensation_failures"`
	StartedAt            time.Time     `json:"started_at,omitempty"`
	FinishedAt           time.Time     `json:"finished_at,omitempty"`
	Duration             time.Duration `json:"duration"`
}

// StateTransition is one entry of an instance's state history.
type StateTransition struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
}

// InstanceRecord is the externally visible (and persisted) view of a
// workflow instance.
type InstanceRecord struct {
	InstanceID        string                `json:"instance_id"`
	WorkflowID        string                `json:"workflow_id"`
	ParentInstanceID  string                `json:"parent_instance_id,omitempty"`
	State             Status                `json:"state"`
	CurrentStepIndex  int                   `json:"current_step_index"`
	Context           ContextSnapshot       `json:"context"`
	Metrics           InstanceMetrics       `json:"metrics"`
	StepResults       map[string]StepResult `json:"step_results"`
	CompensationStack []string              `json:"compensation_stack"`
	StepMemos         map[string]StepMemo   `json:"step_memos,omitempty"`
	Transitions       []StateTransition     `json:"transitions,omitempty"`
	Error             string                `json:"error,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
	FinishedAt        time.Time             `json:"finished_at,omitempty"`
}

// Ref returns the identifying pair of the record.
func (r *InstanceRecord) Ref() InstanceRef {
	return InstanceRef{InstanceID: r.InstanceID, WorkflowID: r.WorkflowID}
}

// InstanceRef identifies an instance in observer callbacks and events.
type InstanceRef struct {
	InstanceID string
	WorkflowID string
}

// ListFilter controls how instances are listed.
// Zero values mean "no filter" for that field.
type ListFilter struct {
	// WorkflowID, if non-empty, limits results to instances of the given workflow.
	WorkflowID string

	// States, if non-empty, limits results to instances in one of the states.
	States []Status

	// FinishedBefore, if non-zero, limits results to terminal instances that
	// finished strictly before the given time.
	FinishedBefore time.Time

	// Limit caps the number of results when positive.
	Limit int
}

// Matches reports whether rec satisfies the filter, ignoring Limit.
func (f ListFilter) Matches(rec *InstanceRecord) bool {
	if f.WorkflowID != "" && rec.WorkflowID != f.WorkflowID {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, rec.State) {
		return false
	}
	if !f.FinishedBefore.IsZero() {
		if rec.FinishedAt.IsZero() || !rec.FinishedAt.Before(f.FinishedBefore) {
			return false
		}
	}
	return true
}
