package executor

import "time"

// RetryPolicy bounds how a step is retried after a transient failure.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget per step, first attempt
	// included.
	MaxAttempts int

	// BaseBackoff is the increment of the incremental backoff: attempt n
	// waits n * BaseBackoff before retrying.
	BaseBackoff time.Duration

	// CallTimeout bounds each control-plane call. Expiry counts as a
	// transient failure.
	CallTimeout time.Duration
}

// DefaultRetryPolicy returns the standard policy: ten attempts with
// incremental backoff. Identity propagation in large tenants routinely
// needs several minutes, so the budget is generous.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 10,
		BaseBackoff: 2 * time.Second,
		CallTimeout: 90 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = d.BaseBackoff
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = d.CallTimeout
	}
	return p
}

// Backoff returns the wait before the next attempt, given the attempt
// number that just failed.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	return time.Duration(attempt) * p.BaseBackoff
}
