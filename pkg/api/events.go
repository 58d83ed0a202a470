package api

import (
	"context"
	"time"
)

// EventType identifies a workflow history event.
type EventType string

const (
	EventWorkflowStarted      EventType = "workflow.started"
	EventWorkflowStateChanged EventType = "workflow.state_changed"
	EventWorkflowCompleted    EventType = "workflow.completed"
	EventWorkflowFailed       EventType = "workflow.failed"

	EventStepStarted   EventType = "step.started"
	EventStepCompleted EventType = "step.completed"
	EventStepFailed    EventType = "step.failed"
	EventStepRetrying  EventType = "step.retrying"

	EventCompensated        EventType = "compensation.completed"
	EventCompensationFailed EventType = "compensation.failed"
)

// WorkflowEvent is an append-only history record for audit/debugging.
type WorkflowEvent struct {
	InstanceID string    `json:"instance_id"`
	WorkflowID string    `json:"workflow_id"`
	At         time.Time `json:"at"`
	Type       EventType `json:"type"`
	StepID     string    `json:"step_id,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`

	// Small, human-oriented details (e.g. target state, error string).
	Detail string `json:"detail,omitempty"`
}

// EventSink stores workflow events.
type EventSink interface {
	AppendEvent(ctx context.Context, ev WorkflowEvent) error
}

// EventObserver turns observer callbacks into WorkflowEvents.
type EventObserver struct {
	NoopObserver

	sink  EventSink
	clock Clock
	onErr func(error)
}

// NewEventObserver records events into sink. Append failures are passed to
// onErr when non-nil and otherwise dropped.
func NewEventObserver(sink EventSink, clock Clock, onErr func(error)) *EventObserver {
	if clock == nil {
		clock = SystemClock{}
	}
	return &EventObserver{sink: sink, clock: clock, onErr: onErr}
}

func (o *EventObserver) append(ctx context.Context, ref InstanceRef, typ EventType, stepID string, attempt int, detail string) {
	err := o.sink.AppendEvent(context.WithoutCancel(ctx), WorkflowEvent{
		InstanceID: ref.InstanceID,
		WorkflowID: ref.WorkflowID,
		At:         o.clock.Now(),
		Type:       typ,
		StepID:     stepID,
		Attempt:    attempt,
		Detail:     detail,
	})
	if err != nil && o.onErr != nil {
		o.onErr(err)
	}
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (o *EventObserver) OnWorkflowStart(ctx context.Context, ref InstanceRef) {
	o.append(ctx, ref, EventWorkflowStarted, "", 0, "")
}

func (o *EventObserver) OnWorkflowCompleted(ctx context.Context, ref InstanceRef) {
	o.append(ctx, ref, EventWorkflowCompleted, "", 0, "")
}

func (o *EventObserver) OnWorkflowFailed(ctx context.Context, ref InstanceRef, err error) {
	o.append(ctx, ref, EventWorkflowFailed, "", 0, errDetail(err))
}

func (o *EventObserver) OnStateChange(ctx context.Context, ref InstanceRef, from, to Status) {
	o.append(ctx, ref, EventWorkflowStateChanged, "", 0, string(from)+"->"+string(to))
}

func (o *EventObserver) OnStepStart(ctx context.Context, ref InstanceRef, stepID string, idx, attempt int) {
	o.append(ctx, ref, EventStepStarted, stepID, attempt, "")
}

func (o *EventObserver) OnStepCompleted(ctx context.Context, ref InstanceRef, stepID string, idx int, err error, d time.Duration) {
	if err != nil {
		o.append(ctx, ref, EventStepFailed, stepID, 0, errDetail(err))
		return
	}
	o.append(ctx, ref, EventStepCompleted, stepID, 0, d.String())
}

func (o *EventObserver) OnStepRetry(ctx context.Context, ref InstanceRef, stepID string, attempt int, delay time.Duration, err error) {
	o.append(ctx, ref, EventStepRetrying, stepID, attempt, errDetail(err))
}

func (o *EventObserver) OnCompensation(ctx context.Context, ref InstanceRef, stepID string, err error) {
	if err != nil {
		o.append(ctx, ref, EventCompensationFailed, stepID, 0, errDetail(err))
		return
	}
	o.append(ctx, ref, EventCompensated, stepID, 0, "")
}
