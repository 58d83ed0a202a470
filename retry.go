package sagaflow

import (
	"time"

	"github.com/petrijr/sagaflow/pkg/api"
)

// RetryBuilder provides a fluent way to construct RetryPolicy values
// for use with WithRetry and FlowBuilder.DefaultRetry.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder with the given maxAttempts, counting the
// first attempt. The delay between attempts defaults to none.
//
// maxAttempts <= 1 yields a policy that never retries.
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 1 {
		return RetryBuilder{policy: api.NoRetry()}
	}
	return RetryBuilder{
		policy: RetryPolicy{
			Strategy:    api.RetryImmediate,
			MaxAttempts: maxAttempts,
		},
	}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the delay after the first failed attempt.
//   - factor > 1 grows the delay each attempt (default 2.0 if <= 0).
//   - max caps the delay; if <= 0, there is no cap.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, factor float64, max time.Duration) RetryBuilder {
	if r.policy.Strategy == api.RetryNone {
		return r
	}
	p := r.policy
	p.Strategy = api.RetryExponential
	p.InitialDelay = initial
	p.MaxDelay = max
	if factor <= 0 {
		factor = 2.0
	}
	p.BackoffFactor = factor
	return RetryBuilder{policy: p}
}

// WithLinearBackoff grows the delay by initial after every failed attempt.
func (r RetryBuilder) WithLinearBackoff(initial, max time.Duration) RetryBuilder {
	if r.policy.Strategy == api.RetryNone {
		return r
	}
	p := r.policy
	p.Strategy = api.RetryLinear
	p.InitialDelay = initial
	p.MaxDelay = max
	p.BackoffFactor = 0
	return RetryBuilder{policy: p}
}

// WithConstantBackoff configures a constant delay between retries.
//
// This is equivalent to an exponential backoff with factor 1.0 and
// no max cap.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	if r.policy.Strategy == api.RetryNone {
		return r
	}
	p := r.policy
	p.Strategy = api.RetryExponential
	p.InitialDelay = delay
	p.MaxDelay = 0
	p.BackoffFactor = 1.0
	return RetryBuilder{policy: p}
}

// Immediate disables any sleep between retries.
// Retries will still respect MaxAttempts.
func (r RetryBuilder) Immediate() RetryBuilder {
	if r.policy.Strategy == api.RetryNone {
		return r
	}
	p := r.policy
	p.Strategy = api.RetryImmediate
	p.InitialDelay = 0
	p.MaxDelay = 0
	p.BackoffFactor = 0
	return RetryBuilder{policy: p}
}

// On restricts retries to failures of the given kinds. Timeouts are always
// retried.
func (r RetryBuilder) On(kinds ...api.ErrorKind) RetryBuilder {
	p := r.policy
	p.RetryableKinds = append([]api.ErrorKind(nil), kinds...)
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
