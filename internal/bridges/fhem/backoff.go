package fhem

import "time"

// Default reconnect timing.
const (
	DefaultReconnectBase = 5 * time.Second
	DefaultReconnectMax  = 30 * time.Second
)

// Backoff computes linear reconnect delays: the Nth consecutive failure
// waits min(Base*N, Max).
//
// Not safe for concurrent use; each stream owns its backoff.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	n int
}

// Next counts one more failure and returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	b.n++
	base, limit := b.Base, b.Max
	if base <= 0 {
		base = DefaultReconnectBase
	}
	if limit <= 0 {
		limit = DefaultReconnectMax
	}
	if time.Duration(b.n) > limit/base {
		return limit
	}
	return min(base*time.Duration(b.n), limit)
}

// Reset clears the failure count after data was received.
func (b *Backoff) Reset() {
	b.n = 0
}

// Failures returns the number of consecutive failures.
func (b *Backoff) Failures() int {
	return b.n
}
