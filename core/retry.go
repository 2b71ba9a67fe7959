package core

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const maxRetryInterval = 2 * time.Minute

// RetryInfo is embedded in every long-running record and tells the
// scheduler when the record should be processed next.
type RetryInfo struct {
	Active       bool      `json:"active"`
	RetryCounter int       `json:"retry_counter"`
	FirstTry     time.Time `json:"first_try"`
	NextRetry    time.Time `json:"next_retry"`
}

// InitRetryInfo returns retry info that is due immediately when active.
// Inactive retry info never becomes due.
func InitRetryInfo(active bool) RetryInfo {
	now := time.Now()
	r := RetryInfo{
		Active:   active,
		FirstTry: now,
	}

	if active {
		r.NextRetry = now
	}

	return r
}

// Increment records a failed attempt and pushes NextRetry back.
func (r *RetryInfo) Increment() {
	if !r.Active {
		return
	}

	r.RetryCounter++
	r.NextRetry = time.Now().Add(RetryDelay(r.RetryCounter))
}

// Reset makes the record due right away, keeping it active.
func (r *RetryInfo) Reset() {
	*r = InitRetryInfo(true)
}

// Deactivate stops automatic retries, used after fatal errors.
func (r *RetryInfo) Deactivate() {
	r.Active = false
	r.NextRetry = time.Time{}
}

func (r RetryInfo) IsDue(now time.Time) bool {
	return r.Active && !r.NextRetry.After(now)
}

// Remaining is the time left until the next retry, zero when due.
func (r RetryInfo) Remaining(now time.Time) time.Duration {
	if d := r.NextRetry.Sub(now); d > 0 {
		return d
	}

	return 0
}

// RetryDelay is the backoff delay after the given number of failed attempts.
func RetryDelay(counter int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 1.5
	b.RandomizationFactor = 0
	b.MaxInterval = maxRetryInterval
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.InitialInterval
	for i := 0; i < min(counter, 32); i++ {
		d = b.NextBackOff()
	}

	return d
}
