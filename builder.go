package sagaflow

import (
	"fmt"
	"time"

	"github.com/petrijr/sagaflow/pkg/api"
)

// FlowBuilder provides a fluent API for defining workflows:
//
//	router := sagaflow.NewRouter().
//	    Handle("payments", "validate", validatePayment).
//	    Handle("inventory", "reserve", reserveInventory)
//
//	flow := sagaflow.New("order_fulfillment").
//	    WithSender(router).
//	    Message("validate_payment", "payments", "validate", nil).
//	    Message("reserve_inventory", "inventory", "reserve", map[string]any{"sku": "${order.sku}"},
//	        sagaflow.WithCompensation(releaseInventory))
//
//	if err := flow.Register(engine); err != nil {
//	    log.Fatal(err)
//	}
//
//	rec, err := sagaflow.Run(ctx, engine, flow.ID(), input)
type FlowBuilder struct {
	def    api.WorkflowDefinition
	sender api.MessageSender
}

// New creates a new workflow builder with the given workflow ID.
func New(id string) *FlowBuilder {
	return &FlowBuilder{
		def: api.WorkflowDefinition{
			ID:    id,
			Name:  id,
			Steps: make([]api.Step, 0),
		},
	}
}

// ID returns the workflow ID.
func (b *FlowBuilder) ID() string {
	return b.def.ID
}

// Definition returns the underlying WorkflowDefinition.
// Typically used when interacting with lower-level APIs.
func (b *FlowBuilder) Definition() *WorkflowDefinition {
	def := b.def
	return &def
}

// Named sets a human readable name.
func (b *FlowBuilder) Named(name string) *FlowBuilder {
	b.def.Name = name
	return b
}

// Describe sets the workflow description.
func (b *FlowBuilder) Describe(description string) *FlowBuilder {
	b.def.Description = description
	return b
}

// Timeout bounds the whole run.
func (b *FlowBuilder) Timeout(d time.Duration) *FlowBuilder {
	b.def.Timeout = d
	return b
}

// Compensation selects the compensation strategy.
func (b *FlowBuilder) Compensation(strategy CompensationStrategy) *FlowBuilder {
	b.def.CompensationStrategy = strategy
	return b
}

// DefaultRetry sets the policy for steps without one of their own.
func (b *FlowBuilder) DefaultRetry(policy RetryPolicy) *FlowBuilder {
	b.def.DefaultRetry = policy
	return b
}

// WithSender sets the MessageSender used by Message.
func (b *FlowBuilder) WithSender(sender MessageSender) *FlowBuilder {
	b.sender = sender
	return b
}

// Step appends a prebuilt step to the workflow.
func (b *FlowBuilder) Step(step Step) *FlowBuilder {
	if step == nil {
		panic("sagaflow: step must not be nil")
	}
	if step.ID() == "" {
		panic(fmt.Sprintf("sagaflow: %s step without id", step.Kind()))
	}
	b.def.Steps = append(b.def.Steps, step)
	return b
}

// Message appends a message step that uses the builder's sender.
func (b *FlowBuilder) Message(id, destination, action string, data map[string]any, opts ...StepOption) *FlowBuilder {
	if b.sender == nil {
		panic(fmt.Sprintf("sagaflow: message step %q added before WithSender", id))
	}
	return b.Step(Message(id, b.sender, destination, action, data, opts...))
}

// Parallel adds a step that runs children concurrently and fails fast.
func (b *FlowBuilder) Parallel(id string, steps ...Step) *FlowBuilder {
	return b.Step(Parallel(id, steps...))
}

// If adds a conditional branching step. Either branch may be nil.
func (b *FlowBuilder) If(id string, cond Condition, ifTrue, ifFalse Step) *FlowBuilder {
	return b.Step(If(id, cond, ifTrue, ifFalse))
}

// Loop adds a step that runs one child per item.
func (b *FlowBuilder) Loop(id string, items ItemsFunc, factory StepFactory, maxConcurrent int) *FlowBuilder {
	return b.Step(Loop(id, items, factory, maxConcurrent))
}

// Subworkflow adds a step that runs another registered workflow.
func (b *FlowBuilder) Subworkflow(id, workflowID string, opts ...StepOption) *FlowBuilder {
	return b.Step(Subworkflow(id, workflowID, opts...))
}

// Register registers the built workflow with the given engine.
func (b *FlowBuilder) Register(eng Engine) error {
	return eng.RegisterWorkflow(b.Definition())
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}
