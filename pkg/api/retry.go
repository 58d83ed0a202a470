package api

import (
	"errors"
	"math"
	"slices"
	"time"
)

// RetryStrategy selects how the delay between attempts grows.
type RetryStrategy string

const (
	RetryNone        RetryStrategy = "NONE"
	RetryImmediate   RetryStrategy = "IMMEDIATE"
	RetryLinear      RetryStrategy = "LINEAR"
	RetryExponential RetryStrategy = "EXPONENTIAL"
)

// RetryPolicy configures how a failing step is retried.
//
// MaxAttempts counts the first attempt, so MaxAttempts=3 means one initial
// call plus up to two retries. Strategy NONE always runs exactly once.
type RetryPolicy struct {
	Strategy      RetryStrategy
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	// RetryableKinds restricts which failure kinds are retried. Empty means
	// every kind except cancellation. Timeouts are always retryable.
	RetryableKinds []ErrorKind
}

// DefaultRetryPolicy is used for steps that carry no policy of their own when
// the workflow definition does not specify one either.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Strategy:      RetryExponential,
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2,
	}
}

// NoRetry returns a policy that runs a step exactly once.
func NoRetry() RetryPolicy {
	return RetryPolicy{Strategy: RetryNone, MaxAttempts: 1}
}

// IsZero reports whether p is the zero policy (i.e. not configured).
func (p RetryPolicy) IsZero() bool {
	return p.Strategy == "" && p.MaxAttempts == 0 && p.InitialDelay == 0 &&
		p.MaxDelay == 0 && p.BackoffFactor == 0 && len(p.RetryableKinds) == 0
}

// Attempts returns the effective maximum number of attempts.
func (p RetryPolicy) Attempts() int {
	if p.Strategy == RetryNone || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// ShouldRetry reports whether a step that failed with err on the given
// 1-based attempt should be attempted again.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || p.Strategy == RetryNone || attempt >= p.Attempts() {
		return false
	}
	switch kind := KindOf(err); kind {
	case KindTimeout:
		return true
	case KindCancelled, KindValidation:
		return false
	default:
		return len(p.RetryableKinds) == 0 || slices.Contains(p.RetryableKinds, kind)
	}
}

// CalculateDelay returns the delay to wait after the given 1-based failed
// attempt before the next one.
func (p RetryPolicy) CalculateDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d float64
	switch p.Strategy {
	case RetryNone, RetryImmediate:
		return 0
	case RetryLinear:
		d = float64(p.InitialDelay) * float64(attempt)
	case RetryExponential:
		factor := p.BackoffFactor
		if factor <= 0 {
			factor = 2
		}
		d = float64(p.InitialDelay) * math.Pow(factor, float64(attempt-1))
	default:
		return 0
	}

	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Validate checks the policy for nonsensical values.
func (p RetryPolicy) Validate() error {
	switch p.Strategy {
	case RetryNone, RetryImmediate, RetryLinear, RetryExponential:
	default:
		return errors.New("unknown retry strategy " + string(p.Strategy))
	}
	if p.MaxAttempts < 0 {
		return errors.New("max attempts must not be negative")
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return errors.New("retry delays must not be negative")
	}
	if p.MaxDelay > 0 && p.InitialDelay > p.MaxDelay {
		return errors.New("initial delay exceeds max delay")
	}
	if p.BackoffFactor < 0 {
		return errors.New("backoff factor must not be negative")
	}
	return nil
}
