package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrWorkflowNotFound   = errors.New("workflow not found")
	ErrWorkflowExists     = errors.New("workflow already registered")
	ErrInstanceNotFound   = errors.New("workflow instance not found")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrCancelled          = errors.New("workflow cancelled")
	ErrWorkflowTimeout    = errors.New("workflow timed out")
	ErrStepTimeout        = errors.New("step timed out")
	ErrEngineCapacity     = errors.New("engine at capacity")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrEngineClosed       = errors.New("engine shut down")
)

// ErrorKind classifies step failures for retry decisions and reporting.
type ErrorKind string

const (
	KindExecution    ErrorKind = "execution"
	KindTimeout      ErrorKind = "timeout"
	KindCancelled    ErrorKind = "cancelled"
	KindValidation   ErrorKind = "validation"
	KindMessage      ErrorKind = "message"
	KindCompensation ErrorKind = "compensation"
	KindSubworkflow  ErrorKind = "subworkflow"
	KindPanic        ErrorKind = "panic"
)

// ValidationError lists every problem found in a workflow definition or in a
// step's inputs.
type ValidationError struct {
	WorkflowID string
	Problems   []string
}

func (e *ValidationError) Error() string {
	if e.WorkflowID == "" {
		return "validation failed: " + strings.Join(e.Problems, "; ")
	}
	return fmt.Sprintf("workflow %q invalid: %s", e.WorkflowID, strings.Join(e.Problems, "; "))
}

// StepTimeoutError is returned when a single step attempt exceeds its timeout.
type StepTimeoutError struct {
	StepID  string
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %q timed out after %s", e.StepID, e.Timeout)
}

func (e *StepTimeoutError) Is(target error) bool {
	return target == ErrStepTimeout
}

// StepExecutionError wraps a step failure together with its classification.
type StepExecutionError struct {
	StepID string
	Kind   ErrorKind
	Err    error
}

func (e *StepExecutionError) Error() string {
	if e.StepID == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("step %q failed (%s): %v", e.StepID, e.Kind, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// CompensationError records a failed compensating action. The compensation
// driver never returns it to callers; it ends up in the context's error list.
type CompensationError struct {
	StepID string
	Err    error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation of step %q failed: %v", e.StepID, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }

// EngineCapacityError is returned by StartWorkflow when no admission slot
// became free within the admission timeout.
type EngineCapacityError struct {
	Limit  int
	Waited time.Duration
}

func (e *EngineCapacityError) Error() string {
	return fmt.Sprintf("engine at capacity (%d running workflows), waited %s", e.Limit, e.Waited)
}

func (e *EngineCapacityError) Is(target error) bool {
	return target == ErrEngineCapacity
}

// PersistenceError wraps a store failure surfaced through the engine API.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// StepError classifies err with kind. Step implementations use it to mark
// failures the engine should treat specially, e.g. validation problems that
// must not be retried.
func StepError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &StepExecutionError{Kind: kind, Err: err}
}

// KindOf classifies any error into an ErrorKind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var timeoutErr *StepTimeoutError
	if errors.As(err, &timeoutErr) {
		return KindTimeout
	}
	var stepErr *StepExecutionError
	if errors.As(err, &stepErr) && stepErr.Kind != "" {
		return stepErr.Kind
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return KindValidation
	}
	var compErr *CompensationError
	if errors.As(err, &compErr) {
		return KindCompensation
	}
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrWorkflowTimeout):
		return KindTimeout
	}
	return KindExecution
}

// PanicError converts a recovered panic value into an error.
func PanicError(stepID string, recovered any) error {
	return &StepExecutionError{StepID: stepID, Kind: KindPanic, Err: fmt.Errorf("panic: %v", recovered)}
}
