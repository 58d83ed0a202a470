package api

import (
	"context"
	"time"
)

// Engine is the public saga engine API.
type Engine interface {
	// RegisterWorkflow validates and registers a definition. Registration is
	// all or nothing; an invalid definition leaves the registry unchanged.
	RegisterWorkflow(def *WorkflowDefinition) error

	// StartWorkflow creates an instance and runs it in the background. It
	// waits at most the configured admission timeout for a free slot and
	// returns an *EngineCapacityError otherwise.
	StartWorkflow(ctx context.Context, workflowID string, input map[string]any) (string, error)

	// GetWorkflowStatus returns a snapshot of a resident instance, falling
	// back to the store.
	GetWorkflowStatus(ctx context.Context, instanceID string) (*InstanceRecord, error)

	// CancelWorkflow stops a pending, running or paused instance and runs
	// compensation. It returns once the in-flight step has been joined and
	// compensation has finished.
	CancelWorkflow(ctx context.Context, instanceID string) error

	// PauseWorkflow stops a running instance before its next step.
	PauseWorkflow(ctx context.Context, instanceID string) error

	// ResumeWorkflow continues a paused instance. Instances that are not
	// resident are rehydrated from the store.
	ResumeWorkflow(ctx context.Context, instanceID string) error

	// ListWorkflows returns snapshots of resident and persisted instances.
	ListWorkflows(ctx context.Context, filter ListFilter) ([]*InstanceRecord, error)

	// CleanupCompletedInstances archives and evicts terminal instances that
	// finished more than retention ago. It returns the number removed.
	CleanupCompletedInstances(ctx context.Context, retention time.Duration) (int, error)

	// GetMetrics returns engine-wide counters.
	GetMetrics() MetricsSnapshot

	// Wait blocks until the instance reaches a terminal state.
	Wait(ctx context.Context, instanceID string) (*InstanceRecord, error)

	// DryRun validates every top-level step against a fresh context built
	// from input without executing anything.
	DryRun(ctx context.Context, workflowID string, input map[string]any) error

	// History returns the audit trail of an instance.
	History(ctx context.Context, instanceID string) ([]WorkflowEvent, error)

	// Checkpoint returns a named checkpoint of an instance.
	Checkpoint(ctx context.Context, instanceID, name string) (Checkpoint, error)

	// StartJanitor runs CleanupCompletedInstances every interval until ctx
	// is done.
	StartJanitor(ctx context.Context, interval, retention time.Duration)

	// RecoverStuckInstances marks persisted RUNNING instances that this
	// engine is not executing as PAUSED so they can be resumed explicitly,
	// and finishes compensations that were interrupted.
	RecoverStuckInstances(ctx context.Context) (int, error)

	// Shutdown cancels the contexts of running instances and waits for them.
	Shutdown(ctx context.Context) error
}
