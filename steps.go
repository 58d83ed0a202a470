package sagaflow

import (
	"time"

	"github.com/petrijr/sagaflow/internal/script"
	"github.com/petrijr/sagaflow/pkg/api"
)

// StepOption adjusts the settings shared by every step variant.
type StepOption func(*api.StepConfig)

// WithTimeout bounds every attempt of the step.
func WithTimeout(d time.Duration) StepOption {
	return func(c *api.StepConfig) { c.Timeout = d }
}

// WithRetry overrides the workflow's default retry policy.
func WithRetry(policy RetryPolicy) StepOption {
	return func(c *api.StepConfig) {
		p := policy
		c.Retry = &p
	}
}

// WithCompensation registers a compensating action for the step.
func WithCompensation(fn CompensationFunc) StepOption {
	return func(c *api.StepConfig) { c.Compensation = fn }
}

// OnSuccess registers a hook that runs after the step completes.
func OnSuccess(fn func(wctx *WorkflowContext, value any)) StepOption {
	return func(c *api.StepConfig) { c.OnSuccess = fn }
}

// OnFailure registers a hook that runs once the step has failed for good.
func OnFailure(fn func(wctx *WorkflowContext, err error)) StepOption {
	return func(c *api.StepConfig) { c.OnFailure = fn }
}

// WithPermissions records the permissions the step needs. The engine does
// not enforce them.
func WithPermissions(perms ...string) StepOption {
	return func(c *api.StepConfig) { c.RequiredPermissions = append([]string(nil), perms...) }
}

func stepConfig(id string, opts []StepOption) api.StepConfig {
	cfg := api.StepConfig{StepID: id}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Message returns a step that sends one message through sender.
func Message(id string, sender MessageSender, destination, action string, data map[string]any, opts ...StepOption) *MessageStep {
	return &api.MessageStep{
		StepConfig:  stepConfig(id, opts),
		Destination: destination,
		Action:      action,
		Data:        data,
		Sender:      sender,
	}
}

// Compensate sets the message sent to the same destination to undo s. A
// nil data reuses the step's payload.
func Compensate(s *MessageStep, action string, data map[string]any) *MessageStep {
	s.CompensationAction = action
	s.CompensationData = data
	return s
}

// Parallel runs children concurrently. The first failure cancels the
// siblings.
func Parallel(id string, steps ...Step) *ParallelStep {
	return &api.ParallelStep{StepConfig: api.StepConfig{StepID: id}, Steps: steps, WaitAll: true, FailFast: true}
}

// ParallelCollect runs every child to the end and reports each outcome.
func ParallelCollect(id string, steps ...Step) *ParallelStep {
	return &api.ParallelStep{StepConfig: api.StepConfig{StepID: id}, Steps: steps, WaitAll: true}
}

// Race completes with the first child to succeed and cancels the rest.
func Race(id string, steps ...Step) *ParallelStep {
	return &api.ParallelStep{StepConfig: api.StepConfig{StepID: id}, Steps: steps}
}

// If creates a conditional step. Either branch may be nil.
func If(id string, cond Condition, ifTrue, ifFalse Step) *ConditionalStep {
	return &api.ConditionalStep{StepConfig: api.StepConfig{StepID: id}, Predicate: cond, IfTrue: ifTrue, IfFalse: ifFalse}
}

// Loop creates a step that instantiates one child per item, at most
// maxConcurrent at a time (all at once when <= 0).
func Loop(id string, items ItemsFunc, factory StepFactory, maxConcurrent int) *LoopStep {
	return &api.LoopStep{StepConfig: api.StepConfig{StepID: id}, Items: items, Factory: factory, MaxConcurrent: maxConcurrent}
}

// Subworkflow runs the registered workflow workflowID as a nested instance
// with a copy of the parent's variables.
func Subworkflow(id, workflowID string, opts ...StepOption) *SubworkflowStep {
	return &api.SubworkflowStep{StepConfig: stepConfig(id, opts), WorkflowID: workflowID}
}

var luaEnv = script.NewLuaEnv()

// LuaCondition compiles a Lua predicate for use with If. The locals vars and
// results hold the context variables and step outputs:
//
//	cond, err := sagaflow.LuaCondition(`vars.order.total > 100 and results.check.ok`)
func LuaCondition(src string) (Condition, error) {
	return luaEnv.Condition(src)
}

// MustLuaCondition is like LuaCondition but panics on a compile error.
func MustLuaCondition(src string) Condition {
	cond, err := LuaCondition(src)
	if err != nil {
		panic(err)
	}
	return cond
}
