// Package limiter provides a simple fixed-slot concurrency limiter.
package limiter // import "github.com/basaltdata/basalt/pkg/limiter"

// Fixed is a simple channel-based concurrency limiter. It uses a fixed
// size channel to limit callers from proceeding until there is a value
// available in the channel. If all are in-use, the caller blocks until one
// is freed.
type Fixed chan struct{}

// NewFixed returns a Fixed limiter with limit slots.
func NewFixed(limit int) Fixed {
	return make(Fixed, limit)
}

// Idle returns true if the limiter has all its capacity available.
func (t Fixed) Idle() bool {
	return len(t) == 0
}

// TryTake attempts to take a slot and returns true if successful.
func (t Fixed) TryTake() bool {
	select {
	case t <- struct{}{}:
		return true
	default:
		return false
	}
}

// Take takes a slot, blocking until one is available.
func (t Fixed) Take() {
	t <- struct{}{}
}

// Release releases a previously taken slot.
func (t Fixed) Release() {
	<-t
}
