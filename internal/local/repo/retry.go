package repo

import (
	"math"
	"time"
)

// RetryPolicy decides when a failed entry is pushed again.
//
// After the n-th failed attempt an entry waits BaseDelay * 2^(n-1), capped at
// MaxDelay (or at the largest Duration when MaxDelay is zero), before it
// becomes pending again. Entries with MaxAttempts failed attempts stay failed
// until the user edits or deletes them.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 8,
		BaseDelay:   30 * time.Second,
		MaxDelay:    30 * time.Minute,
	}
}

// Backoff returns the wait after the given number of failed attempts.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < attempts; i++ {
		if delay > math.MaxInt64/2 {
			return time.Duration(math.MaxInt64)
		}
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Due reports whether an entry with attempts failures, the last at lastAttempt,
// should be retried at now. A zero lastAttempt is always due.
func (p RetryPolicy) Due(attempts int, lastAttempt, now time.Time) bool {
	if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
		return false
	}
	if lastAttempt.IsZero() {
		return true
	}
	return !now.Before(lastAttempt.Add(p.Backoff(attempts)))
}
