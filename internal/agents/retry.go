package agents

import (
	"context"
	"time"
)

// RetryPolicy bounds the attempts made against one upstream call.
// MaxAttempts counts the first try; Backoff[i] is the wait before attempt i+2
// and its last entry repeats. An empty schedule retries immediately.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration
}

// NewRetryPolicy builds a policy from millisecond settings
func NewRetryPolicy(maxAttempts int, backoffMs []int) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	backoff := make([]time.Duration, 0, len(backoffMs))
	for _, ms := range backoffMs {
		backoff = append(backoff, time.Duration(ms)*time.Millisecond)
	}
	return RetryPolicy{MaxAttempts: maxAttempts, Backoff: backoff}
}

// Delay returns the wait before the given attempt (1-based)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 || len(p.Backoff) == 0 {
		return 0
	}
	i := attempt - 2
	if i >= len(p.Backoff) {
		i = len(p.Backoff) - 1
	}
	return p.Backoff[i]
}

// Do runs fn until it reports no retry, the attempts are exhausted or ctx ends.
// fn receives the 1-based attempt number and returns whether the failure is
// retryable together with the error.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) (retryable bool, err error)) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if d := p.Delay(attempt); d > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
		}

		var retryable bool
		retryable, err = fn(attempt)
		if err == nil || !retryable {
			return err
		}
	}
	return err
}
