package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		counter int
		want    time.Duration
	}{
		{counter: 0, want: time.Second},
		{counter: 1, want: time.Second},
		{counter: 2, want: 1500 * time.Millisecond},
		{counter: 3, want: 2250 * time.Millisecond},
		{counter: 100, want: maxRetryInterval},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, RetryDelay(tt.counter), "counter %d", tt.counter)
	}
}

func TestRetryInfo(t *testing.T) {
	r := InitRetryInfo(true)
	now := time.Now()
	assert.True(t, r.IsDue(now))
	assert.Zero(t, r.Remaining(now))

	r.Increment()
	assert.Equal(t, 1, r.RetryCounter)
	assert.False(t, r.IsDue(r.FirstTry))
	assert.True(t, r.IsDue(r.NextRetry))
	assert.InDelta(t, float64(time.Second), float64(r.Remaining(time.Now())), float64(100*time.Millisecond))

	r.Deactivate()
	assert.False(t, r.IsDue(now.Add(time.Hour)))

	r.Increment()
	assert.Equal(t, 1, r.RetryCounter)

	r.Reset()
	assert.True(t, r.Active)
	assert.Zero(t, r.RetryCounter)
	assert.True(t, r.IsDue(time.Now()))
}

func TestInactiveRetryInfoIsNeverDue(t *testing.T) {
	r := InitRetryInfo(false)
	assert.False(t, r.IsDue(time.Now().Add(24*time.Hour)))
}
