// Package limiter provides concurrency limiters.
package limiter

import "context"

// Fixed is a simple channel-based concurrency limiter. It uses a fixed size
// channel to limit callers from proceeding until there is a value available
// in the channel. If all are in use, the caller blocks until one is freed.
type Fixed chan struct{}

// NewFixed returns a Fixed limiter that allows limit concurrent holders.
func NewFixed(limit int) Fixed {
	return make(Fixed, limit)
}

// Idle returns true if the limiter has all its capacity available.
func (t Fixed) Idle() bool {
	return len(t) == 0
}

// Available returns the number of unused slots.
func (t Fixed) Available() int {
	return cap(t) - len(t)
}

// Capacity returns the number of slots.
func (t Fixed) Capacity() int {
	return cap(t)
}

// TryTake attempts to take a slot without blocking.
func (t Fixed) TryTake() bool {
	select {
	case t <- struct{}{}:
		return true
	default:
		return false
	}
}

// Take blocks until a slot is available.
func (t Fixed) Take() {
	t <- struct{}{}
}

// TakeWithContext blocks until a slot is available or ctx is done, in which
// case the slot is not taken and the context's error is returned.
func (t Fixed) TakeWithContext(ctx context.Context) error {
	select {
	case t <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot taken by Take.
func (t Fixed) Release() {
	<-t
}
