// Package ilock implements the four interruptible synchronization
// primitives of spec.md section 4: Mutex, ReadWriteLock, Semaphore, and
// WaitCondition. Each follows the same wait protocol (spec.md section
// 2's "Control flow" paragraph): try the native primitive with a short
// (200ms) budget first, lazily allocate a breaker on contention, record
// the wait with the registry, then loop bounded native tries and
// breaker waits (unbounded in the untimed variants) interleaved with
// cooperative checkpoints until acquired, timed out, or interrupted.
package ilock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dijkstracula/go-ilock/internal/block"
	"github.com/dijkstracula/go-ilock/internal/clock"
	"github.com/dijkstracula/go-ilock/internal/registry"
)

// shortWait is the native-try budget every primitive attempts before
// involving the registry at all - spec.md section 2: "uncontended /
// short waits avoid registry involvement".
const shortWait = 200 * time.Millisecond

// RecursionMode selects whether a Mutex may be re-locked by the thread
// that already holds it (spec.md section 6's Mutex constructor mode).
type RecursionMode int

const (
	NonRecursive RecursionMode = iota
	Recursive
)

// Mutex is an interruptible, optionally-recursive mutual exclusion
// lock. Its native primitive is a capacity-1 channel rather than a
// sync.Mutex, so a timed try-lock can select on it directly instead of
// polling sync.Mutex.TryLock in a spin.
type Mutex struct {
	data *block.Data
	ch   chan struct{}

	recursive bool

	// depth/holder track re-entrancy; only consulted/mutated under own.
	own    sync.Mutex
	holder *registry.ThreadState
	depth  int
}

// NewMutex constructs a Mutex in the given recursion mode.
func NewMutex(mode RecursionMode) *Mutex {
	m := &Mutex{
		ch:        make(chan struct{}, 1),
		recursive: mode == Recursive,
	}
	m.ch <- struct{}{}
	m.data = block.NewData(block.KindMutex)
	m.data.SetSelf(m)
	return m
}

func (m *Mutex) String() string { return fmt.Sprintf("Mutex%s", m.data) }

func (m *Mutex) tryNative(budget time.Duration) bool {
	if budget <= 0 {
		select {
		case <-m.ch:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case <-m.ch:
		return true
	case <-timer.C:
		return false
	}
}

func (m *Mutex) unlockNative() {
	select {
	case m.ch <- struct{}{}:
	default:
		panic("ilock: Mutex.Unlock of an already-unlocked mutex")
	}
}

func (m *Mutex) reenter(ts *registry.ThreadState) bool {
	if !m.recursive || ts == nil {
		return false
	}
	m.own.Lock()
	defer m.own.Unlock()
	if m.depth > 0 && m.holder == ts {
		m.depth++
		return true
	}
	return false
}

func (m *Mutex) claim(ts *registry.ThreadState) {
	if !m.recursive {
		return
	}
	m.own.Lock()
	m.holder = ts
	m.depth = 1
	m.own.Unlock()
}

// lockNative blocks until the native lock is acquired, without ever
// touching the registry - the relock half of WaitCondition's atomic
// unlock-wait-relock step (waitcondition.go), which must not re-enter
// about_to_sleep for this mutex while the calling thread is still
// accounted to the WaitCondition's own block. Mirrors the source's
// plain QMutex::lock() call inside QWaitCondition::wait(QMutex*).
func (m *Mutex) lockNative(ts *registry.ThreadState) {
	<-m.ch
	m.claim(ts)
}

// Lock blocks until the mutex is acquired, ctx's thread (if any) is
// interrupted, or the program ends.
func (m *Mutex) Lock(ctx context.Context) error {
	ts, _ := registry.ThreadFrom(ctx)
	if m.reenter(ts) {
		return nil
	}

	if err := m.acquire(ctx, ts); err != nil {
		return err
	}
	m.claim(ts)
	return nil
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock(ctx context.Context) bool {
	ts, _ := registry.ThreadFrom(ctx)
	if m.reenter(ts) {
		return true
	}
	if m.tryNative(0) {
		m.claim(ts)
		return true
	}
	return false
}

// TryLockTimeout attempts to acquire the mutex within the given total
// time budget, returning false on timeout (never as an error - per
// spec.md section 7, timeouts are booleans, not errors) and an error
// only if the thread is interrupted first.
func (m *Mutex) TryLockTimeout(ctx context.Context, timeout time.Duration) (bool, error) {
	ts, _ := registry.ThreadFrom(ctx)
	if m.reenter(ts) {
		return true, nil
	}

	if timeout <= shortWait {
		ok := m.tryNative(timeout)
		if ok {
			m.claim(ts)
		}
		return ok, nil
	}

	ok, err := m.acquireTimed(ctx, ts, timeout)
	if err != nil {
		return false, err
	}
	if ok {
		m.claim(ts)
	}
	return ok, nil
}

// acquire implements the untimed wait loop of spec.md section 4.4.
func (m *Mutex) acquire(ctx context.Context, ts *registry.ThreadState) error {
	if m.tryNative(shortWait) {
		return nil
	}

	p := registry.Get()
	breaker := m.data.Breaker()

	aboutErr := p.AboutToSleep(ts, m.data)
	if aboutErr != nil {
		_ = p.HasWoken(ts, m.data)
		return aboutErr
	}

	var loopErr error
	for {
		if m.tryNative(shortWait) {
			break
		}
		breaker.Wait(0)
		if err := p.Test(ts); err != nil {
			loopErr = err
			break
		}
	}

	// has_woken always runs, and always re-checks interruption - even
	// when the loop above broke because the native lock was acquired
	// (spec.md sections 4.1/7: the cleanup-and-recheck is unconditional).
	if wokeErr := p.HasWoken(ts, m.data); wokeErr != nil && loopErr == nil {
		loopErr = wokeErr
	}
	return loopErr
}

// acquireTimed implements the timed try-lock loop of spec.md section 4.4.
func (m *Mutex) acquireTimed(ctx context.Context, ts *registry.ThreadState, timeout time.Duration) (bool, error) {
	p := registry.Get()
	breaker := m.data.Breaker()

	if err := p.AboutToSleep(ts, m.data); err != nil {
		_ = p.HasWoken(ts, m.data)
		return false, err
	}

	t := clock.Start()
	var ok bool
	var loopErr error
	for {
		remaining := t.Remaining(timeout)
		if remaining <= 0 {
			break
		}
		budget := remaining
		if budget > shortWait {
			budget = shortWait
		}
		if m.tryNative(budget) {
			ok = true
			break
		}
		remaining = t.Remaining(timeout)
		if remaining <= 0 {
			break
		}
		breaker.Wait(remaining)
		if err := p.Test(ts); err != nil {
			loopErr = err
			break
		}
	}

	if wokeErr := p.HasWoken(ts, m.data); wokeErr != nil && loopErr == nil {
		loopErr = wokeErr
	}
	if loopErr != nil {
		return false, loopErr
	}
	return ok, nil
}

// Unlock releases the mutex and wakes every breaker waiter so they
// re-contend for it.
func (m *Mutex) Unlock() {
	if m.recursive {
		m.own.Lock()
		if m.depth == 0 {
			m.own.Unlock()
			panic("ilock: Mutex.Unlock of an already-unlocked mutex")
		}
		m.depth--
		if m.depth > 0 {
			m.own.Unlock()
			return
		}
		m.holder = nil
		m.own.Unlock()
	}

	m.unlockNative()
	m.data.WakeBreaker()
}
