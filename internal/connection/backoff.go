package connection

import "time"

// Backoff is a fixed ascending sequence of reconnect delays. Attempt n waits
// Steps[min(n, len(Steps)-1)].
type Backoff struct {
	Steps []time.Duration
}

// DefaultBackoff returns 1s, 2s, 5s, 10s, 30s, 60s.
func DefaultBackoff() Backoff {
	return Backoff{Steps: []time.Duration{
		1 * time.Second,
		2 * time.Second,
		5 * time.Second,
		10 * time.Second,
		30 * time.Second,
		60 * time.Second,
	}}
}

// Delay returns the wait before reconnect attempt n (zero-based).
func (b Backoff) Delay(n int) time.Duration {
	if len(b.Steps) == 0 {
		return time.Second
	}
	if n < 0 {
		n = 0
	}
	if n >= len(b.Steps) {
		n = len(b.Steps) - 1
	}
	return b.Steps[n]
}
