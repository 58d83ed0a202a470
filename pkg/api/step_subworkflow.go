package api

import (
	"context"
	"errors"
	"fmt"
)

// SubworkflowStep runs another registered workflow as a nested instance on
// the same engine. The nested instance runs on the caller's goroutine and
// does not occupy an admission slot.
type SubworkflowStep struct {
	StepConfig

	WorkflowID string

	// Input builds the nested instance's input. When nil the parent's
	// variables are copied.
	Input func(wctx *WorkflowContext) map[string]any
}

func (s *SubworkflowStep) sealed() {}

func (s *SubworkflowStep) Kind() StepKind { return StepKindSubworkflow }

func (s *SubworkflowStep) Validate(wctx *WorkflowContext) error {
	if s.WorkflowID == "" {
		return &ValidationError{Problems: []string{fmt.Sprintf("subworkflow step %q has no workflow id", s.StepID)}}
	}
	return nil
}

func (s *SubworkflowStep) Execute(ctx context.Context, wctx *WorkflowContext) (any, error) {
	runner, ok := EngineFromContext(ctx)
	if !ok {
		return nil, StepError(KindSubworkflow, errors.New("no engine available for nested workflow"))
	}

	var input map[string]any
	if s.Input != nil {
		input = s.Input(wctx)
	} else {
		input = wctx.Variables()
	}

	memos := MemosFromContext(ctx)
	rec, err := runner.RunSubworkflow(ctx, s.WorkflowID, input, wctx, func(id string) {
		memos.SetChildInstance(s.StepID, id)
	})
	if err != nil {
		if KindOf(err) == KindCancelled {
			return nil, err
		}
		return nil, StepError(KindSubworkflow, fmt.Errorf("workflow %q: %w", s.WorkflowID, err))
	}

	results := make(map[string]any, len(rec.Context.Results))
	for id, r := range rec.Context.Results {
		results[id] = r.Value
	}
	return map[string]any{
		"instance_id": rec.InstanceID,
		"variables":   rec.Context.Variables,
		"results":     results,
	}, nil
}

func (s *SubworkflowStep) Compensable() bool { return true }

func (s *SubworkflowStep) Compensate(ctx context.Context, wctx *WorkflowContext) error {
	var errs []error
	memo, _ := MemosFromContext(ctx).Get(s.StepID)
	if memo.ChildInstanceID != "" {
		runner, ok := EngineFromContext(ctx)
		if !ok {
			errs = append(errs, errors.New("no engine available to undo nested workflow"))
		} else if err := runner.UndoSubworkflow(ctx, memo.ChildInstanceID); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Compensation != nil {
		if err := s.Compensation(ctx, wctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
