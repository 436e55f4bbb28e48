package backend

import "time"

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
)

// Backoff produces capped exponential reconnect delays.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	next time.Duration
}

// Next returns the delay before the upcoming attempt and doubles the one after it.
func (b *Backoff) Next() time.Duration {
	initial, limit := b.bounds()
	if b.next <= 0 {
		b.next = initial
	}
	delay := b.next
	if delay > limit {
		delay = limit
	}
	b.next = delay * 2
	if b.next > limit {
		b.next = limit
	}
	return delay
}

// Reset returns the schedule to the initial delay after a successful open.
func (b *Backoff) Reset() {
	b.next = 0
}

func (b *Backoff) bounds() (time.Duration, time.Duration) {
	initial := b.Initial
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	limit := b.Max
	if limit <= 0 {
		limit = defaultMaxBackoff
	}
	if limit < initial {
		limit = initial
	}
	return initial, limit
}
