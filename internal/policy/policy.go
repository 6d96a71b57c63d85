// Package policy holds the pure retry, throttle and liveness decisions
// shared by the connection client, the relay gateway and the broadcast
// server. Nothing here keeps state; callers own the clocks and counters.
package policy

import "time"

const (
	// BackoffBase is the delay before the first reconnect attempt.
	BackoffBase = 1 * time.Second
	// BackoffGrowth doubles the delay on every failed attempt.
	BackoffGrowth = 2
	// BackoffCap bounds the delay regardless of attempt count.
	BackoffCap = 30 * time.Second
)

// BackoffDelay returns the reconnect delay for the given zero-based
// attempt count: min(base * growth^attempt, cap). Negative attempts
// are treated as zero.
func BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := BackoffBase
	for i := 0; i < attempt; i++ {
		delay *= BackoffGrowth
		if delay >= BackoffCap {
			return BackoffCap
		}
	}
	if delay > BackoffCap {
		return BackoffCap
	}
	return delay
}

// ThrottleAllowed reports whether a payload may be forwarded now given
// the last forward time and the minimum spacing between forwards.
func ThrottleAllowed(lastSentAt, now time.Time, minInterval time.Duration) bool {
	if lastSentAt.IsZero() {
		return true
	}
	return now.Sub(lastSentAt) >= minInterval
}

// HeartbeatExpired reports whether a connection has gone silent for
// longer than the liveness timeout. Callers grant one retry ping before
// declaring the peer dead.
func HeartbeatExpired(lastPongAt, now time.Time, timeout time.Duration) bool {
	return now.Sub(lastPongAt) > timeout
}
