package ilock

import (
	"context"
	"fmt"
	"time"

	"github.com/dijkstracula/go-ilock/internal/block"
	"github.com/dijkstracula/go-ilock/internal/clock"
	"github.com/dijkstracula/go-ilock/internal/registry"
)

// Waitable is a lock WaitCondition can release before sleeping and
// reacquire before returning. spec.md section 4.7 overloads wait() on
// Mutex* and ReadWriteLock*; Go has no overloading, so the two
// overloads become this interface plus the three adapters below.
//
// relock is deliberately native-only and registry-free: the calling
// thread is still accounted to the WaitCondition's own block for the
// entire Wait/WaitTimeout loop (about_to_sleep on it runs once, before
// the loop starts, and has_woken runs once, after it ends), so relock
// must not route through Mutex.Lock/ReadWriteLock.LockForRead/
// LockForWrite - those call about_to_sleep again and would trip the
// "already waiting on a block" program-bug check if this lock happens
// to be contended at wake time (spec.md section 3's single-block
// invariant; the source's own wait(Mutex*) relocks with a plain
// QMutex::lock(), never re-registering).
type Waitable interface {
	unlock()
	relock(ts *registry.ThreadState)
}

type mutexWaitable struct{ m *Mutex }

func (w mutexWaitable) unlock()                        { w.m.Unlock() }
func (w mutexWaitable) relock(ts *registry.ThreadState) { w.m.lockNative(ts) }

// AsWaitable adapts an already-locked Mutex for use with
// WaitCondition.Wait and WaitCondition.WaitTimeout.
func (m *Mutex) AsWaitable() Waitable { return mutexWaitable{m} }

type rwReadWaitable struct{ rw *ReadWriteLock }

func (w rwReadWaitable) unlock()                        { w.rw.UnlockRead() }
func (w rwReadWaitable) relock(ts *registry.ThreadState) { w.rw.lockNativeRead() }

// AsReadWaitable adapts a read-held ReadWriteLock for use with
// WaitCondition.Wait and WaitCondition.WaitTimeout.
func (rw *ReadWriteLock) AsReadWaitable() Waitable { return rwReadWaitable{rw} }

type rwWriteWaitable struct{ rw *ReadWriteLock }

func (w rwWriteWaitable) unlock()                        { w.rw.UnlockWrite() }
func (w rwWriteWaitable) relock(ts *registry.ThreadState) { w.rw.lockNativeWrite() }

// AsWriteWaitable adapts a write-held ReadWriteLock for use with
// WaitCondition.Wait and WaitCondition.WaitTimeout.
func (rw *ReadWriteLock) AsWriteWaitable() Waitable { return rwWriteWaitable{rw} }

// WaitCondition is an interruptible condition variable (spec.md section
// 4.7). Unlike Mutex, ReadWriteLock and Semaphore, its own native wait
// primitive - a Breaker - is not a lazily-allocated escape hatch around
// some other native lock; it *is* the thing wait() parks on, so it is
// allocated eagerly and never needs a separate breaker of its own.
type WaitCondition struct {
	data *block.Data
}

// NewWaitCondition constructs an unused WaitCondition.
func NewWaitCondition() *WaitCondition {
	wc := &WaitCondition{data: block.NewData(block.KindWaitCondition)}
	wc.data.SetSelf(wc)
	wc.data.Breaker()
	return wc
}

func (wc *WaitCondition) String() string { return fmt.Sprintf("WaitCondition%s", wc.data) }

// nativeStep atomically releases lock and waits on the native condition
// for up to timeout (or indefinitely, if timeout <= 0), then reacquires
// lock before returning - mirroring one call to Qt's
// QWaitCondition::wait(mutex, time), which unlocks-waits-relocks as a
// single operation.
func (wc *WaitCondition) nativeStep(ctx context.Context, lock Waitable, timeout time.Duration) (bool, error) {
	woken := wc.data.Breaker().WaitAfter(lock.unlock, timeout)
	ts, _ := registry.ThreadFrom(ctx)
	lock.relock(ts)
	return woken, nil
}

// Wait releases lock, blocks until woken by WakeOne, WakeAll, or
// program termination, then reacquires lock before returning - spec.md
// section 4.7's untimed wait(lock). lock must already be held by the
// calling thread.
func (wc *WaitCondition) Wait(ctx context.Context, lock Waitable) error {
	if woken, err := wc.nativeStep(ctx, lock, shortWait); err != nil {
		return err
	} else if woken {
		return nil
	}

	p := registry.Get()
	ts, _ := registry.ThreadFrom(ctx)

	if err := p.AboutToSleep(ts, wc.data); err != nil {
		_ = p.HasWoken(ts, wc.data)
		return err
	}

	var loopErr error
	for {
		if _, err := wc.nativeStep(ctx, lock, 0); err != nil {
			loopErr = err
			break
		}
		should, err := p.ShouldWake(ts, wc.data)
		if err != nil {
			loopErr = err
			break
		}
		if should {
			break
		}
	}
	if wokeErr := p.HasWoken(ts, wc.data); wokeErr != nil && loopErr == nil {
		loopErr = wokeErr
	}
	return loopErr
}

// WaitTimeout is Wait bounded by a total time budget, returning whether
// the thread was woken before timeout elapsed - spec.md section 4.7's
// timed wait(lock, time). A non-positive timeout returns immediately
// without touching lock, matching the source's "time == 0" shortcut.
func (wc *WaitCondition) WaitTimeout(ctx context.Context, lock Waitable, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		return true, nil
	}
	if timeout <= shortWait {
		return wc.nativeStep(ctx, lock, timeout)
	}

	p := registry.Get()
	ts, _ := registry.ThreadFrom(ctx)

	if err := p.AboutToSleep(ts, wc.data); err != nil {
		_ = p.HasWoken(ts, wc.data)
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
		if _, err := wc.nativeStep(ctx, lock, remaining); err != nil {
			loopErr = err
			break
		}
		if t.Remaining(timeout) <= 0 {
			break
		}
		should, serr := p.ShouldWake(ts, wc.data)
		if serr != nil {
			loopErr = serr
			break
		}
		if should {
			ok = true
			break
		}
	}
	if wokeErr := p.HasWoken(ts, wc.data); wokeErr != nil && loopErr == nil {
		loopErr = wokeErr
	}
	if loopErr != nil {
		return false, loopErr
	}
	return ok, nil
}

// WaitAlone is the lock-free convenience overload (spec.md section
// 4.7's wait()): it locks a throwaway Mutex for the duration of the
// wait, exactly as the source's wait() constructs a local Mutex and
// MutexLocker around a call to wait(Mutex*).
func (wc *WaitCondition) WaitAlone(ctx context.Context) error {
	m := NewMutex(NonRecursive)
	if err := m.Lock(ctx); err != nil {
		return err
	}
	return wc.Wait(ctx, m.AsWaitable())
}

// WaitAloneTimeout is WaitAlone bounded by a total time budget.
func (wc *WaitCondition) WaitAloneTimeout(ctx context.Context, timeout time.Duration) (bool, error) {
	m := NewMutex(NonRecursive)
	if err := m.Lock(ctx); err != nil {
		return false, err
	}
	return wc.WaitTimeout(ctx, m.AsWaitable(), timeout)
}

// WakeOne wakes one registered thread parked in the registry-tracked
// part of Wait or WaitTimeout, chosen by the registry's
// wake_from_current bookkeeping (which thread is unspecified) - every
// parked thread has to wake up to check, but only the chosen one sees
// should_wake return true. The native wake is a broadcast, so threads
// still in the initial short native wait, and threads whose ctx carries
// no registered thread, all return from their wait as well.
func (wc *WaitCondition) WakeOne() {
	registry.Get().SetShouldWakeOne(wc.data)
	wc.data.Breaker().WakeAll()
}

// WakeAll wakes every thread parked in Wait or WaitTimeout.
func (wc *WaitCondition) WakeAll() {
	registry.Get().SetShouldWakeAll(wc.data)
	wc.data.Breaker().WakeAll()
}
