package api

import (
	"context"
	"errors"
	"fmt"
)

// MessageStep sends one message to a remote collaborator. Values in Data
// may reference the context with ${path}.
type MessageStep struct {
	StepConfig

	Destination string
	Action      string
	Data        map[string]any
	Sender      MessageSender

	// CompensationAction, when set, is sent to Destination on compensation
	// with CompensationData (or Data when nil).
	CompensationAction string
	CompensationData   map[string]any
}

func (s *MessageStep) sealed() {}

func (s *MessageStep) Kind() StepKind { return StepKindMessage }

func (s *MessageStep) Validate(wctx *WorkflowContext) error {
	var problems []string
	if s.Destination == "" {
		problems = append(problems, "destination is required")
	}
	if s.Action == "" {
		problems = append(problems, "action is required")
	}
	if s.Sender == nil {
		problems = append(problems, "no message sender configured")
	}
	for _, ref := range wctx.MissingReferences(s.Data) {
		problems = append(problems, fmt.Sprintf("unresolved reference ${%s}", ref))
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (s *MessageStep) payload(wctx *WorkflowContext, data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	return wctx.Substitute(data).(map[string]any)
}

func (s *MessageStep) Execute(ctx context.Context, wctx *WorkflowContext) (any, error) {
	resp, err := s.Sender.Send(ctx, s.Destination, s.Action, s.payload(wctx, s.Data), wctx)
	if err != nil {
		if ctx.Err() != nil || KindOf(err) != KindExecution {
			return nil, err
		}
		return nil, StepError(KindMessage, fmt.Errorf("%s/%s: %w", s.Destination, s.Action, err))
	}
	return resp, nil
}

func (s *MessageStep) Compensable() bool {
	return s.Compensation != nil || (s.CompensationAction != "" && s.Sender != nil)
}

func (s *MessageStep) Compensate(ctx context.Context, wctx *WorkflowContext) error {
	var errs []error
	if s.CompensationAction != "" && s.Sender != nil {
		data := s.CompensationData
		if data == nil {
			data = s.Data
		}
		if _, err := s.Sender.Send(ctx, s.Destination, s.CompensationAction, s.payload(wctx, data), wctx); err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", s.Destination, s.CompensationAction, err))
		}
	}
	if s.Compensation != nil {
		if err := s.Compensation(ctx, wctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
