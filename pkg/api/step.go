package api

import (
	"context"
	"time"
)

// StepKind names the concrete step variant.
type StepKind string

const (
	StepKindMessage     StepKind = "message"
	StepKindParallel    StepKind = "parallel"
	StepKindConditional StepKind = "conditional"
	StepKindLoop        StepKind = "loop"
	StepKindSubworkflow StepKind = "subworkflow"
)

// CompensationFunc undoes the effect of a completed step.
type CompensationFunc func(ctx context.Context, wctx *WorkflowContext) error

// StepConfig holds the settings shared by every step variant.
type StepConfig struct {
	StepID string

	// Timeout bounds a single attempt. Zero means no per-attempt limit.
	Timeout time.Duration

	// Retry overrides the workflow's default retry policy when non-nil.
	Retry *RetryPolicy

	Compensation CompensationFunc

	OnSuccess func(wctx *WorkflowContext, value any)
	OnFailure func(wctx *WorkflowContext, err error)

	// Hints only; the engine does not enforce them.
	RequiredPermissions []string
	EstimatedDuration   time.Duration
}

// ID returns the step identifier.
func (c StepConfig) ID() string { return c.StepID }

// Config returns the shared settings.
func (c StepConfig) Config() StepConfig { return c }

// Step is the closed set of step variants: MessageStep, ParallelStep,
// ConditionalStep, LoopStep and SubworkflowStep.
//
// Execute must honour ctx cancellation. The engine enforces Timeout and the
// retry policy around it. Compensate is best effort and should be
// idempotent; failures are recorded, never propagated.
type Step interface {
	ID() string
	Kind() StepKind
	Config() StepConfig
	Validate(wctx *WorkflowContext) error
	Execute(ctx context.Context, wctx *WorkflowContext) (any, error)
	Compensate(ctx context.Context, wctx *WorkflowContext) error
	Compensable() bool

	sealed()
}

// Children returns the direct sub-steps of composite steps.
func Children(s Step) []Step {
	switch t := s.(type) {
	case *ParallelStep:
		return t.Steps
	case *ConditionalStep:
		var out []Step
		if t.IfTrue != nil {
			out = append(out, t.IfTrue)
		}
		if t.IfFalse != nil {
			out = append(out, t.IfFalse)
		}
		return out
	default:
		return nil
	}
}

// Walk calls fn for every step in the tree rooted at steps, depth first.
func Walk(steps []Step, fn func(Step)) {
	for _, s := range steps {
		if s == nil {
			continue
		}
		fn(s)
		Walk(Children(s), fn)
	}
}

// RunChild executes a nested step the way composite steps do: validation,
// then a single attempt bounded by the child's own timeout. Success and
// failure hooks fire here.
func RunChild(ctx context.Context, s Step, wctx *WorkflowContext) (value any, err error) {
	cfg := s.Config()
	defer func() {
		if r := recover(); r != nil {
			err = PanicError(cfg.StepID, r)
		}
		if err != nil && cfg.OnFailure != nil {
			cfg.OnFailure(wctx, err)
		}
	}()

	if err := s.Validate(wctx); err != nil {
		return nil, &StepExecutionError{StepID: cfg.StepID, Kind: KindValidation, Err: err}
	}

	runCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	value, err = s.Execute(runCtx, wctx)
	if err != nil {
		if ctx.Err() == nil && runCtx.Err() == context.DeadlineExceeded {
			return nil, &StepTimeoutError{StepID: cfg.StepID, Timeout: cfg.Timeout}
		}
		return nil, err
	}
	if cfg.OnSuccess != nil {
		cfg.OnSuccess(wctx, value)
	}
	return value, nil
}

// CompensateChild runs a nested step's compensation with panic isolation.
func CompensateChild(ctx context.Context, s Step, wctx *WorkflowContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CompensationError{StepID: s.ID(), Err: PanicError(s.ID(), r)}
		}
	}()
	if !s.Compensable() {
		return nil
	}
	if err := s.Compensate(ctx, wctx); err != nil {
		return &CompensationError{StepID: s.ID(), Err: err}
	}
	return nil
}
