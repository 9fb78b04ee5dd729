package engine

import "context"

// Pool is a counting semaphore bounding concurrent tool execution. A single
// pool may be shared across coordinators, in which case one run's tool load
// can throttle another's only through slot contention.
type Pool struct {
	slots chan struct{}
}

// NewPool creates a pool with the given number of slots.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{slots: make(chan struct{}, size)}
}

// Acquire takes a slot, waiting until one frees up or ctx ends.
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot taken by Acquire.
func (p *Pool) Release() {
	<-p.slots
}

// Size returns the pool capacity.
func (p *Pool) Size() int {
	return cap(p.slots)
}
