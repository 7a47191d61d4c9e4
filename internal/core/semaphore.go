package core

import "context"

// MaxPermitCap is the largest permit count any semaphore in this engine
// will ever be resized to (download concurrency is clamped to [1, 8]).
const MaxPermitCap = 8

// Semaphore is a counted semaphore that can be resized at runtime.
// Raising the limit releases new permits immediately; lowering it never
// revokes a permit a worker already holds, it only withholds that many
// future Release calls until the debt is paid off.
type Semaphore struct {
	tokens chan struct{}
	debt   chan struct{}
}

func NewSemaphore(initial int) *Semaphore {
	s := &Semaphore{
		tokens: make(chan struct{}, MaxPermitCap),
		debt:   make(chan struct{}, MaxPermitCap),
	}
	for i := 0; i < initial; i++ {
		s.tokens <- struct{}{}
	}
	return s
}

// Acquire blocks until a permit is available or ctx is cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case <-s.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a permit, unless the semaphore is currently over its
// (lowered) limit, in which case the permit is absorbed as debt instead.
func (s *Semaphore) Release() {
	select {
	case <-s.debt:
		return
	default:
	}
	select {
	case s.tokens <- struct{}{}:
	default:
		// Capacity already full; shouldn't happen under correct usage.
	}
}

// SetLimit adjusts the number of outstanding permits from old to new.
// new is expected already clamped by the caller.
func (s *Semaphore) SetLimit(oldLimit, newLimit int) {
	delta := newLimit - oldLimit
	if delta > 0 {
		for i := 0; i < delta; i++ {
			select {
			case s.tokens <- struct{}{}:
			default:
			}
		}
		return
	}
	for i := 0; i < -delta; i++ {
		select {
		case <-s.tokens:
			// took back an idle permit immediately
		default:
			// every permit is currently held; queue a debt so the
			// next Release() is absorbed instead of returned
			select {
			case s.debt <- struct{}{}:
			default:
			}
		}
	}
}
