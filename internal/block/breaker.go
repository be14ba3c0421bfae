package block

import (
	"sync"
	"time"
)

// Breaker is the auxiliary (native mutex + native wait-condition) pair
// every interruptible primitive lazily allocates on first contended
// use (spec.md section 4.3). Threads parked on a primitive's native
// wait in short bounded intervals also park here; a CheckEndForAges
// call wakes every Breaker waiter so each returns to the top of its
// loop and re-consults the registry via should_wake.
type Breaker struct {
	mu   sync.Mutex
	cond *sync.Cond
}

func newBreaker() *Breaker {
	b := &Breaker{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Wait blocks until either WakeAll is called or the timeout elapses,
// whichever comes first, returning true if a real wake arrived before
// the timeout (always true for an indefinite wait). A zero or negative
// timeout waits indefinitely for a wake (matching the source's untimed
// native wait).
//
// Because sync.Cond has no built-in timeout, this is implemented with a
// timer goroutine that performs a Broadcast of its own once the timeout
// expires; most callers don't need to distinguish that from a real wake
// since they always re-check their actual condition afterwards (the
// should_wake consult in the primitive's wait loop), so a spurious wake
// is always safe, only ever costing an extra loop iteration. The return
// value exists for WaitCondition, whose own "native wait" is this same
// Breaker and which does need to tell the two apart (spec.md section 4.7).
func (b *Breaker) Wait(timeout time.Duration) bool {
	return b.WaitAfter(func() {}, timeout)
}

// WaitAfter atomically runs unlock - typically releasing a caller-held
// lock - and begins waiting on the breaker's condition, so that a
// WakeAll racing with the release can never be missed in between; this
// is the Go equivalent of Qt's QWaitCondition::wait(QMutex*) atomically
// unlocking and parking in one call. Returns true if woken by a real
// WakeAll before timeout elapsed.
func (b *Breaker) WaitAfter(unlock func(), timeout time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	unlock()

	if timeout <= 0 {
		b.cond.Wait()
		return true
	}

	done := make(chan struct{})
	timedOut := false
	timer := time.AfterFunc(timeout, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		select {
		case <-done:
			// the real wait already returned; nothing to do.
		default:
			timedOut = true
			b.cond.Broadcast()
		}
	})
	defer timer.Stop()
	defer close(done)

	b.cond.Wait()
	return !timedOut
}

// WakeAll wakes every thread parked in Wait, whether on this Breaker's
// native condition or on one of the synthetic timeout broadcasts above.
func (b *Breaker) WakeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cond.Broadcast()
}
