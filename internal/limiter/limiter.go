package limiter

import "context"

// Limiter bounds the number of concurrently executing units of work. Extra
// calls block until a slot frees up; there is no priority and no timeout of
// its own. A unit that fails releases its slot the same as one that
// succeeds.
type Limiter struct {
	slots chan struct{}
}

// New builds a limiter admitting at most n concurrent calls. n below 1 is
// treated as 1.
func New(n int) *Limiter {
	if n < 1 {
		n = 1
	}
	return &Limiter{slots: make(chan struct{}, n)}
}

// Do runs fn once a slot is available. Cancelling the context while queued
// returns the context error without running fn.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.slots }()
	return fn()
}
