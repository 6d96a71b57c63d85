package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayGrowth(t *testing.T) {
	assert.Equal(t, 1*time.Second, BackoffDelay(0))
	assert.Equal(t, 2*time.Second, BackoffDelay(1))
	assert.Equal(t, 4*time.Second, BackoffDelay(2))
	assert.Equal(t, 8*time.Second, BackoffDelay(3))
	assert.Equal(t, 16*time.Second, BackoffDelay(4))
}

func TestBackoffDelayCapped(t *testing.T) {
	assert.Equal(t, BackoffCap, BackoffDelay(5))
	assert.Equal(t, BackoffCap, BackoffDelay(20))
	assert.Equal(t, BackoffCap, BackoffDelay(1000))
}

// backoffDelay(a) <= backoffDelay(a+1) <= cap for all attempt counts.
func TestBackoffDelayMonotonicAndBounded(t *testing.T) {
	prev := BackoffDelay(0)
	for attempt := 1; attempt < 64; attempt++ {
		cur := BackoffDelay(attempt)
		assert.GreaterOrEqual(t, cur, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, cur, BackoffCap, "attempt %d", attempt)
		prev = cur
	}
}

func TestBackoffDelayNegativeAttempt(t *testing.T) {
	assert.Equal(t, BackoffBase, BackoffDelay(-3))
}

func TestThrottleAllowed(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	interval := 500 * time.Millisecond

	assert.True(t, ThrottleAllowed(time.Time{}, now, interval), "never sent before")
	assert.False(t, ThrottleAllowed(now.Add(-200*time.Millisecond), now, interval))
	assert.True(t, ThrottleAllowed(now.Add(-500*time.Millisecond), now, interval), "exactly at the interval")
	assert.True(t, ThrottleAllowed(now.Add(-2*time.Second), now, interval))
}

func TestHeartbeatExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	timeout := 30 * time.Second

	assert.False(t, HeartbeatExpired(now.Add(-10*time.Second), now, timeout))
	assert.False(t, HeartbeatExpired(now.Add(-30*time.Second), now, timeout), "exactly at the timeout is still alive")
	assert.True(t, HeartbeatExpired(now.Add(-31*time.Second), now, timeout))
}
