// Package limiter implements the resource limiter of spec section 4.1: an
// async bounded counter over bytes in flight. Two instances are shared
// process-wide by the worker plugin (comms and disk), providing
// cross-shuffle backpressure per spec section 5.
//
// Adapted from internal/ratelimit.TokenBucket's mutex-protected counter
// shape, but tracks a byte budget rather than a refilling rate: acquire
// blocks until capacity - in_use >= n, rather than polling a refill clock.
package limiter

import (
	"context"
	"sync"
)

// Limiter is an async bounded byte-counting semaphore.
type Limiter struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity uint64
	inUse    uint64
	closed   bool
	onWait   func()
}

// New creates a Limiter with the given capacity in bytes.
func New(capacity uint64) *Limiter {
	l := &Limiter{capacity: capacity}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// SetOnWait installs a callback invoked once per Acquire call that actually
// has to block for headroom, so a caller (internal/worker's plugin) can
// surface limiter contention as a metric without this package depending on
// internal/observability.
func (l *Limiter) SetOnWait(f func()) {
	l.mu.Lock()
	l.onWait = f
	l.mu.Unlock()
}

// Acquire blocks until n bytes of headroom are available (or ctx is done),
// then reserves them. Callers request credit for a specific payload before
// buffering or writing it. Every Release wakes all waiters (sync.Cond
// Broadcast) and each rechecks headroom, so the order in which waiters are
// admitted is not defined and is not FIFO; a large request can starve under
// heavy contention from smaller ones.
func (l *Limiter) Acquire(ctx context.Context, n uint64) error {
	if n > l.capacity {
		// A single payload larger than the cap would never be admitted;
		// admit it alone once all other usage drains, rather than deadlock.
		n = l.capacity
	}

	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		close(done)
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	l.mu.Lock()
	defer l.mu.Unlock()

	blocked := false
	for {
		select {
		case <-done:
			return ctx.Err()
		default:
		}
		if l.closed {
			return context.Canceled
		}
		if l.capacity-l.inUse >= n {
			l.inUse += n
			return nil
		}
		if !blocked {
			blocked = true
			if l.onWait != nil {
				l.onWait()
			}
		}
		l.cond.Wait()
	}
}

// TryAcquire attempts a non-blocking reservation, returning false if there
// is not currently enough headroom.
func (l *Limiter) TryAcquire(n uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	if l.capacity-l.inUse >= n {
		l.inUse += n
		return true
	}
	return false
}

// Release returns n bytes of credit and wakes any waiters.
func (l *Limiter) Release(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > l.inUse {
		n = l.inUse
	}
	l.inUse -= n
	l.cond.Broadcast()
}

// InUse returns the currently accounted bytes. Exposed for metrics and tests.
func (l *Limiter) InUse() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inUse
}

// Capacity returns the configured capacity in bytes.
func (l *Limiter) Capacity() uint64 {
	return l.capacity
}

// Close unblocks every waiter with an error; used during worker teardown so
// in-flight acquires don't hang forever on a shutting-down plugin.
func (l *Limiter) Close() {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
}
