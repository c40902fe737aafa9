package ensemble

import "time"

// RetryBuilder provides a fluent way to construct RetryPolicy values
// for use with Builder.AgentWithRetry.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder with the given maxAttempts.
//
// maxAttempts <= 0 is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryBuilder{
		policy: RetryPolicy{
			MaxAttempts: maxAttempts,
		},
	}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the delay before the first retry.
//   - max caps the delay; if <= 0, there is no cap.
//
// The delay before the n-th retry is min(initial*2^n, max).
//
// Example:
//
//	Retry(3).WithExponentialBackoff(100*time.Millisecond, time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial, max time.Duration) RetryBuilder {
	p := r.policy
	p.Strategy = BackoffExponential
	p.InitialDelay = initial
	p.MaxDelay = max
	return RetryBuilder{policy: p}
}

// WithLinearBackoff configures a backoff that grows by initial on every
// retry: initial, 2*initial, 3*initial and so on, capped at max when > 0.
func (r RetryBuilder) WithLinearBackoff(initial, max time.Duration) RetryBuilder {
	p := r.policy
	p.Strategy = BackoffLinear
	p.InitialDelay = initial
	p.MaxDelay = max
	return RetryBuilder{policy: p}
}

// WithFixedBackoff configures the same delay between every retry.
func (r RetryBuilder) WithFixedBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.Strategy = BackoffFixed
	p.InitialDelay = delay
	p.MaxDelay = 0
	return RetryBuilder{policy: p}
}

// Immediate disables any sleep between retries.
// Retries will still respect MaxAttempts.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.Strategy = BackoffFixed
	p.InitialDelay = 0
	p.MaxDelay = 0
	return RetryBuilder{policy: p}
}

// OnCodes restricts retries to errors carrying one of the given codes.
// Errors with other codes fail the step immediately.
func (r RetryBuilder) OnCodes(codes ...string) RetryBuilder {
	p := r.policy
	p.RetryOn = append([]string(nil), codes...)
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy to be attached to a step.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
