package signin

import "sync/atomic"

// Guard is a single-use latch. Exactly one caller ever wins it.
type Guard struct {
	held atomic.Bool
}

// Acquire takes the latch and reports whether this call won it.
func (g *Guard) Acquire() bool {
	return g.held.CompareAndSwap(false, true)
}

// ForceAcquire takes the latch regardless of its state and reports whether it
// was still free. Used by cancellation paths that must win even after another
// channel started resolving.
func (g *Guard) ForceAcquire() bool {
	return !g.held.Swap(true)
}

// Held reports whether the latch has been taken.
func (g *Guard) Held() bool {
	return g.held.Load()
}
