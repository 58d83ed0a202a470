package api

import (
	"fmt"
	"time"
)

// WorkflowDefinition is an immutable, registered template from which
// instances are started.
type WorkflowDefinition struct {
	ID          string
	Name        string
	Description string
	Steps       []Step

	// Timeout bounds the whole run. Zero means unbounded.
	Timeout time.Duration

	CompensationStrategy CompensationStrategy

	// DefaultRetry applies to steps without their own policy. The zero value
	// means DefaultRetryPolicy().
	DefaultRetry RetryPolicy
}

// Validate reports every structural problem in the definition at once.
func (d *WorkflowDefinition) Validate() error {
	var problems []string
	if d.ID == "" {
		problems = append(problems, "workflow id is required")
	}
	if len(d.Steps) == 0 {
		problems = append(problems, "workflow has no steps")
	}
	if d.Timeout < 0 {
		problems = append(problems, "timeout must not be negative")
	}
	if d.CompensationStrategy != "" && !d.CompensationStrategy.Valid() {
		problems = append(problems, fmt.Sprintf("unknown compensation strategy %q", d.CompensationStrategy))
	}
	if !d.DefaultRetry.IsZero() {
		if err := d.DefaultRetry.Validate(); err != nil {
			problems = append(problems, "default retry: "+err.Error())
		}
	}

	seen := make(map[string]bool)
	for i, s := range d.Steps {
		if s == nil {
			problems = append(problems, fmt.Sprintf("step %d is nil", i))
		}
	}
	Walk(d.Steps, func(s Step) {
		id := s.ID()
		if id == "" {
			problems = append(problems, fmt.Sprintf("%s step without id", s.Kind()))
			return
		}
		if seen[id] {
			problems = append(problems, fmt.Sprintf("duplicate step id %q", id))
		}
		seen[id] = true
		if cfg := s.Config(); cfg.Retry != nil {
			if err := cfg.Retry.Validate(); err != nil {
				problems = append(problems, fmt.Sprintf("step %q retry: %v", id, err))
			}
		}
		if s.Config().Timeout < 0 {
			problems = append(problems, fmt.Sprintf("step %q timeout must not be negative", id))
		}
	})

	if len(problems) > 0 {
		return &ValidationError{WorkflowID: d.ID, Problems: problems}
	}
	return nil
}

// Strategy returns the compensation strategy, defaulting to BACKWARD.
func (d *WorkflowDefinition) Strategy() CompensationStrategy {
	if d.CompensationStrategy == "" {
		return CompensateBackward
	}
	return d.CompensationStrategy
}

// RetryFor returns the effective retry policy of a step.
func (d *WorkflowDefinition) RetryFor(s Step) RetryPolicy {
	if r := s.Config().Retry; r != nil {
		return *r
	}
	if !d.DefaultRetry.IsZero() {
		return d.DefaultRetry
	}
	return DefaultRetryPolicy()
}

// FindStep returns the top-level step with the given ID and its index.
func (d *WorkflowDefinition) FindStep(id string) (Step, int, bool) {
	for i, s := range d.Steps {
		if s.ID() == id {
			return s, i, true
		}
	}
	return nil, -1, false
}

// SubworkflowRefs lists the workflow IDs referenced by subworkflow steps,
// including those nested in composite steps.
func (d *WorkflowDefinition) SubworkflowRefs() []string {
	var refs []string
	Walk(d.Steps, func(s Step) {
		if sub, ok := s.(*SubworkflowStep); ok {
			refs = append(refs, sub.WorkflowID)
		}
	})
	return refs
}
