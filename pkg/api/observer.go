package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the saga engine for logging, metrics and
// auditing.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay workflow execution.
type Observer interface {
	// OnWorkflowStart is called once when an instance starts running,
	// before the first step is executed.
	OnWorkflowStart(ctx context.Context, ref InstanceRef)

	// OnWorkflowCompleted is called when an instance reaches StatusCompleted.
	OnWorkflowCompleted(ctx context.Context, ref InstanceRef)

	// OnWorkflowFailed is called when a run ends because of an error,
	// timeout or cancellation, before compensation starts.
	OnWorkflowFailed(ctx context.Context, ref InstanceRef, err error)

	// OnStateChange is called after every accepted state transition.
	OnStateChange(ctx context.Context, ref InstanceRef, from, to Status)

	// OnStepStart is called before each attempt of a top-level step.
	OnStepStart(ctx context.Context, ref InstanceRef, stepID string, idx, attempt int)

	// OnStepCompleted is called after the final attempt of a step, for both
	// successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, ref InstanceRef, stepID string, idx int, err error, d time.Duration)

	// OnStepRetry is called after a failed attempt that will be retried.
	OnStepRetry(ctx context.Context, ref InstanceRef, stepID string, attempt int, delay time.Duration, err error)

	// OnCompensation is called after each compensating action.
	OnCompensation(ctx context.Context, ref InstanceRef, stepID string, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(context.Context, InstanceRef)               {}
func (NoopObserver) OnWorkflowCompleted(context.Context, InstanceRef)           {}
func (NoopObserver) OnWorkflowFailed(context.Context, InstanceRef, error)       {}
func (NoopObserver) OnStateChange(context.Context, InstanceRef, Status, Status) {}
func (NoopObserver) OnStepStart(context.Context, InstanceRef, string, int, int) {}
func (NoopObserver) OnCompensation(context.Context, InstanceRef, string, error) {}
func (NoopObserver) OnStepCompleted(context.Context, InstanceRef, string, int, error, time.Duration) {
}
func (NoopObserver) OnStepRetry(context.Context, InstanceRef, string, int, time.Duration, error) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, ref InstanceRef) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, ref)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, ref InstanceRef) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, ref)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, ref InstanceRef, err error) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, ref, err)
	}
}

func (c *CompositeObserver) OnStateChange(ctx context.Context, ref InstanceRef, from, to Status) {
	for _, o := range c.observers {
		o.OnStateChange(ctx, ref, from, to)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, ref InstanceRef, stepID string, idx, attempt int) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, ref, stepID, idx, attempt)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, ref InstanceRef, stepID string, idx int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, ref, stepID, idx, err, d)
	}
}

func (c *CompositeObserver) OnStepRetry(ctx context.Context, ref InstanceRef, stepID string, attempt int, delay time.Duration, err error) {
	for _, o := range c.observers {
		o.OnStepRetry(ctx, ref, stepID, attempt, delay, err)
	}
}

func (c *CompositeObserver) OnCompensation(ctx context.Context, ref InstanceRef, stepID string, err error) {
	for _, o := range c.observers {
		o.OnCompensation(ctx, ref, stepID, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs workflow / step lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, ref InstanceRef) {
	o.Logger.InfoContext(ctx, "workflow_start",
		slog.String("workflow_id", ref.WorkflowID),
		slog.String("instance_id", ref.InstanceID),
	)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, ref InstanceRef) {
	o.Logger.InfoContext(ctx, "workflow_completed",
		slog.String("workflow_id", ref.WorkflowID),
		slog.String("instance_id", ref.InstanceID),
	)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, ref InstanceRef, err error) {
	o.Logger.ErrorContext(ctx, "workflow_failed",
		slog.String("workflow_id", ref.WorkflowID),
		slog.String("instance_id", ref.InstanceID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStateChange(ctx context.Context, ref InstanceRef, from, to Status) {
	o.Logger.DebugContext(ctx, "state_change",
		slog.String("workflow_id", ref.WorkflowID),
		slog.String("instance_id", ref.InstanceID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, ref InstanceRef, stepID string, idx, attempt int) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("workflow_id", ref.WorkflowID),
		slog.String("instance_id", ref.InstanceID),
		slog.String("step", stepID),
		slog.Int("step_index", idx),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, ref InstanceRef, stepID string, idx int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("workflow_id", ref.WorkflowID),
		slog.String("instance_id", ref.InstanceID),
		slog.String("step", stepID),
		slog.Int("step_index", idx),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepRetry(ctx context.Context, ref InstanceRef, stepID string, attempt int, delay time.Duration, err error) {
	o.Logger.WarnContext(ctx, "step_retry",
		slog.String("workflow_id", ref.WorkflowID),
		slog.String("instance_id", ref.InstanceID),
		slog.String("step", stepID),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnCompensation(ctx context.Context, ref InstanceRef, stepID string, err error) {
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "compensation",
		slog.String("workflow_id", ref.WorkflowID),
		slog.String("instance_id", ref.InstanceID),
		slog.String("step", stepID),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workflowsStarted     atomic.Int64
	workflowsCompleted   atomic.Int64
	workflowsFailed      atomic.Int64
	workflowsCompensated atomic.Int64
	stepsCompleted       atomic.Int64
	stepsFailed          atomic.Int64
	retries              atomic.Int64
	compensations        atomic.Int64
	compensationFailures atomic.Int64
	totalStepDuration    atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted     int64
	WorkflowsCompleted   int64
	WorkflowsFailed      int64
	WorkflowsCompensated int64

	StepsCompleted       int64
	StepsFailed          int64
	Retries              int64
	Compensations        int64
	CompensationFailures int64
	AvgStepDuration      time.Duration
}

// MetricsSnapshot is returned by Engine.GetMetrics.
type MetricsSnapshot struct {
	BasicMetricsSnapshot

	// Resident instances by state at the time of the snapshot.
	Running   int
	Paused    int
	Resident  int
	Capacity  int
	Available int
}

func (m *BasicMetrics) OnWorkflowStart(ctx context.Context, ref InstanceRef) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompleted(ctx context.Context, ref InstanceRef) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(ctx context.Context, ref InstanceRef, err error) {
	m.workflowsFailed.Add(1)
}

func (m *BasicMetrics) OnStateChange(ctx context.Context, ref InstanceRef, from, to Status) {
	if to == StatusCompensated {
		m.workflowsCompensated.Add(1)
	}
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, ref InstanceRef, stepID string, idx int, err error, d time.Duration) {
	// Only count successful steps for average duration.
	if err != nil {
		m.stepsFailed.Add(1)
		return
	}
	m.stepsCompleted.Add(1)
	m.totalStepDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnStepRetry(ctx context.Context, ref InstanceRef, stepID string, attempt int, delay time.Duration, err error) {
	m.retries.Add(1)
}

func (m *BasicMetrics) OnCompensation(ctx context.Context, ref InstanceRef, stepID string, err error) {
	m.compensations.Add(1)
	if err != nil {
		m.compensationFailures.Add(1)
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:     m.workflowsStarted.Load(),
		WorkflowsCompleted:   m.workflowsCompleted.Load(),
		WorkflowsFailed:      m.workflowsFailed.Load(),
		WorkflowsCompensated: m.workflowsCompensated.Load(),
		StepsCompleted:       steps,
		StepsFailed:          m.stepsFailed.Load(),
		Retries:              m.retries.Load(),
		Compensations:        m.compensations.Load(),
		CompensationFailures: m.compensationFailures.Load(),
		AvgStepDuration:      avg,
	}
}
