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

// rwNative is the "native readers-writer lock" spec.md section 4.5
// assumes a host platform provides, including the try-with-timeout
// variants the Go standard library's sync.RWMutex doesn't expose.
// State changes broadcast by closing and replacing notify, the usual
// Go substitute for a condition variable's Wait/Broadcast pair.
type rwNative struct {
	mu      sync.Mutex
	readers int
	writer  bool
	notify  chan struct{}
}

func newRWNative() *rwNative {
	return &rwNative{notify: make(chan struct{})}
}

func (n *rwNative) wakeLocked() {
	close(n.notify)
	n.notify = make(chan struct{})
}

func (n *rwNative) tryReadLocked() bool {
	if !n.writer {
		n.readers++
		return true
	}
	return false
}

func (n *rwNative) tryWriteLocked() bool {
	if !n.writer && n.readers == 0 {
		n.writer = true
		return true
	}
	return false
}

func (n *rwNative) tryWithTimeout(budget time.Duration, tryLocked func() bool) bool {
	n.mu.Lock()
	if tryLocked() {
		n.mu.Unlock()
		return true
	}
	if budget <= 0 {
		n.mu.Unlock()
		return false
	}
	deadline := time.Now().Add(budget)
	for {
		ch := n.notify
		n.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return false
		}

		n.mu.Lock()
		if tryLocked() {
			n.mu.Unlock()
			return true
		}
		if !time.Now().Before(deadline) {
			n.mu.Unlock()
			return false
		}
	}
}

func (n *rwNative) TryLockForRead(budget time.Duration) bool {
	return n.tryWithTimeout(budget, n.tryReadLocked)
}

func (n *rwNative) TryLockForWrite(budget time.Duration) bool {
	return n.tryWithTimeout(budget, n.tryWriteLocked)
}

// lockBlocked blocks indefinitely until tryLocked succeeds, without any
// registry involvement - used for WaitCondition's native-only relock.
func (n *rwNative) lockBlocked(tryLocked func() bool) {
	n.mu.Lock()
	for {
		if tryLocked() {
			n.mu.Unlock()
			return
		}
		ch := n.notify
		n.mu.Unlock()
		<-ch
		n.mu.Lock()
	}
}

func (n *rwNative) UnlockRead() {
	n.mu.Lock()
	if n.readers == 0 {
		n.mu.Unlock()
		panic("ilock: ReadWriteLock.UnlockRead of a lock with no readers")
	}
	n.readers--
	n.wakeLocked()
	n.mu.Unlock()
}

func (n *rwNative) UnlockWrite() {
	n.mu.Lock()
	if !n.writer {
		n.mu.Unlock()
		panic("ilock: ReadWriteLock.UnlockWrite of a lock with no writer")
	}
	n.writer = false
	n.wakeLocked()
	n.mu.Unlock()
}

// ReadWriteLock is an interruptible readers-writer lock. The breaker
// channel is shared between readers and writers, per spec.md section 4.5.
type ReadWriteLock struct {
	data   *block.Data
	native *rwNative
}

// NewReadWriteLock constructs an unlocked ReadWriteLock.
func NewReadWriteLock() *ReadWriteLock {
	rw := &ReadWriteLock{native: newRWNative()}
	rw.data = block.NewData(block.KindReadWriteLock)
	rw.data.SetSelf(rw)
	return rw
}

func (rw *ReadWriteLock) String() string { return fmt.Sprintf("ReadWriteLock%s", rw.data) }

func (rw *ReadWriteLock) waitLoop(ctx context.Context, tryNative func(time.Duration) bool) error {
	if tryNative(shortWait) {
		return nil
	}

	p := registry.Get()
	ts, _ := registry.ThreadFrom(ctx)
	breaker := rw.data.Breaker()

	if err := p.AboutToSleep(ts, rw.data); err != nil {
		_ = p.HasWoken(ts, rw.data)
		return err
	}

	var loopErr error
	for {
		if tryNative(shortWait) {
			break
		}
		breaker.Wait(0)
		if err := p.Test(ts); err != nil {
			loopErr = err
			break
		}
	}
	if wokeErr := p.HasWoken(ts, rw.data); wokeErr != nil && loopErr == nil {
		loopErr = wokeErr
	}
	return loopErr
}

func (rw *ReadWriteLock) waitLoopTimed(ctx context.Context, timeout time.Duration, tryNative func(time.Duration) bool) (bool, error) {
	p := registry.Get()
	ts, _ := registry.ThreadFrom(ctx)
	breaker := rw.data.Breaker()

	if err := p.AboutToSleep(ts, rw.data); err != nil {
		_ = p.HasWoken(ts, rw.data)
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
		if tryNative(budget) {
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
	if wokeErr := p.HasWoken(ts, rw.data); wokeErr != nil && loopErr == nil {
		loopErr = wokeErr
	}
	if loopErr != nil {
		return false, loopErr
	}
	return ok, nil
}

// LockForRead blocks until the lock is held for shared (read) access.
func (rw *ReadWriteLock) LockForRead(ctx context.Context) error {
	return rw.waitLoop(ctx, rw.native.TryLockForRead)
}

// TryLockForRead attempts to take the lock for read access without blocking.
func (rw *ReadWriteLock) TryLockForRead() bool {
	return rw.native.TryLockForRead(0)
}

// TryLockForReadTimeout attempts to take the lock for read access within
// the given total time budget.
func (rw *ReadWriteLock) TryLockForReadTimeout(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout <= shortWait {
		return rw.native.TryLockForRead(timeout), nil
	}
	return rw.waitLoopTimed(ctx, timeout, rw.native.TryLockForRead)
}

// LockForWrite blocks until the lock is held for exclusive (write) access.
func (rw *ReadWriteLock) LockForWrite(ctx context.Context) error {
	return rw.waitLoop(ctx, rw.native.TryLockForWrite)
}

// TryLockForWrite attempts to take the lock for write access without blocking.
func (rw *ReadWriteLock) TryLockForWrite() bool {
	return rw.native.TryLockForWrite(0)
}

// TryLockForWriteTimeout attempts to take the lock for write access
// within the given total time budget.
func (rw *ReadWriteLock) TryLockForWriteTimeout(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout <= shortWait {
		return rw.native.TryLockForWrite(timeout), nil
	}
	return rw.waitLoopTimed(ctx, timeout, rw.native.TryLockForWrite)
}

// lockNativeRead blocks until the native read lock is acquired, without
// ever touching the registry - the relock half of WaitCondition's
// atomic unlock-wait-relock step (waitcondition.go). Mirrors the
// source's plain native lockForRead() call inside
// QWaitCondition::wait(QReadWriteLock*).
func (rw *ReadWriteLock) lockNativeRead() { rw.native.lockBlocked(rw.native.tryReadLocked) }

// lockNativeWrite is lockNativeRead for the write side.
func (rw *ReadWriteLock) lockNativeWrite() { rw.native.lockBlocked(rw.native.tryWriteLocked) }

// UnlockRead releases a previously-acquired read lock, waking every
// breaker waiter so they re-contend.
func (rw *ReadWriteLock) UnlockRead() {
	rw.native.UnlockRead()
	rw.data.WakeBreaker()
}

// UnlockWrite releases a previously-acquired write lock, waking every
// breaker waiter so they re-contend.
func (rw *ReadWriteLock) UnlockWrite() {
	rw.native.UnlockWrite()
	rw.data.WakeBreaker()
}
