package feed

import "time"

const (
	DefaultInitialBackoff = 5 * time.Second
	DefaultMaxBackoff     = 300 * time.Second
)

// Backoff is a doubling reconnect delay with a ceiling.
// Not safe for concurrent use; each connector owns one.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

// NewBackoff creates a backoff starting at initial and capped at max.
// Non-positive values select the defaults (5s, 300s).
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if max <= 0 {
		max = DefaultMaxBackoff
	}
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, next: initial}
}

// Next returns the delay for the current failure and doubles the following one.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// Peek returns the delay the next failure would get.
func (b *Backoff) Peek() time.Duration { return b.next }

// Reset restores the initial delay.
func (b *Backoff) Reset() { b.next = b.initial }
