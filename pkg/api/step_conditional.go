package api

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// Condition decides which branch a ConditionalStep takes.
type Condition func(ctx context.Context, wctx *WorkflowContext) (bool, error)

// Branch names recorded in StepMemo.Branch.
const (
	BranchTrue  = "true"
	BranchFalse = "false"
	BranchNone  = "none"
)

// ConditionalStep evaluates Predicate once and runs exactly one of IfTrue or
// IfFalse. A missing branch yields a nil result.
type ConditionalStep struct {
	StepConfig

	Predicate Condition
	IfTrue    Step
	IfFalse   Step
}

func (s *ConditionalStep) sealed() {}

func (s *ConditionalStep) Kind() StepKind { return StepKindConditional }

func (s *ConditionalStep) Validate(wctx *WorkflowContext) error {
	if s.Predicate == nil {
		return &ValidationError{Problems: []string{fmt.Sprintf("conditional step %q has no predicate", s.StepID)}}
	}
	return nil
}

func (s *ConditionalStep) Execute(ctx context.Context, wctx *WorkflowContext) (any, error) {
	memos := MemosFromContext(ctx)

	ok, err := s.Predicate(ctx, wctx)
	if err != nil {
		return nil, fmt.Errorf("evaluate condition: %w", err)
	}

	branch, step := BranchFalse, s.IfFalse
	if ok {
		branch, step = BranchTrue, s.IfTrue
	}
	if step == nil {
		memos.SetBranch(s.StepID, BranchNone)
		return nil, nil
	}
	memos.SetBranch(s.StepID, branch)

	v, err := RunChild(ctx, step, wctx)
	if err != nil {
		memos.SetChildState(s.StepID, step.ID(), StepFailed)
		return nil, err
	}
	memos.SetChildState(s.StepID, step.ID(), StepCompleted)
	return v, nil
}

func (s *ConditionalStep) Compensable() bool {
	return s.Compensation != nil ||
		(s.IfTrue != nil && s.IfTrue.Compensable()) ||
		(s.IfFalse != nil && s.IfFalse.Compensable())
}

func (s *ConditionalStep) Compensate(ctx context.Context, wctx *WorkflowContext) error {
	memo, _ := MemosFromContext(ctx).Get(s.StepID)

	var errs []error
	var taken Step
	switch memo.Branch {
	case BranchTrue:
		taken = s.IfTrue
	case BranchFalse:
		taken = s.IfFalse
	}
	if taken != nil && memo.ChildStates[taken.ID()] == StepCompleted {
		if err := CompensateChild(ctx, taken, wctx); err != nil {
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

// PathTruthy returns a Condition that is true when the value at path exists
// and is truthy: non-zero numbers, non-empty strings and collections, true.
func PathTruthy(path string) Condition {
	return func(_ context.Context, wctx *WorkflowContext) (bool, error) {
		v, ok := wctx.Resolve(path)
		if !ok {
			return false, nil
		}
		return Truthy(v), nil
	}
}

// PathEquals returns a Condition comparing the value at path with want.
// Numbers compare by value regardless of their Go type.
func PathEquals(path string, want any) Condition {
	return func(_ context.Context, wctx *WorkflowContext) (bool, error) {
		v, ok := wctx.Resolve(path)
		if !ok {
			return false, nil
		}
		if a, aok := toFloat(v); aok {
			if b, bok := toFloat(want); bok {
				return a == b, nil
			}
		}
		return reflect.DeepEqual(v, want), nil
	}
}

// Truthy applies loose truthiness rules to a context value.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}
