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

// Semaphore is an interruptible counting semaphore (spec.md section 4.6).
type Semaphore struct {
	data *block.Data

	mu     sync.Mutex
	count  int
	notify chan struct{}
}

// NewSemaphore constructs a Semaphore initialized with n permits.
func NewSemaphore(n int) *Semaphore {
	s := &Semaphore{count: n, notify: make(chan struct{})}
	s.data = block.NewData(block.KindSemaphore)
	s.data.SetSelf(s)
	return s
}

func (s *Semaphore) String() string { return fmt.Sprintf("Semaphore%s", s.data) }

func (s *Semaphore) tryLocked(k int) bool {
	if s.count >= k {
		s.count -= k
		return true
	}
	return false
}

func (s *Semaphore) tryNative(k int, budget time.Duration) bool {
	s.mu.Lock()
	if s.tryLocked(k) {
		s.mu.Unlock()
		return true
	}
	if budget <= 0 {
		s.mu.Unlock()
		return false
	}
	deadline := time.Now().Add(budget)
	for {
		ch := s.notify
		s.mu.Unlock()

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

		s.mu.Lock()
		if s.tryLocked(k) {
			s.mu.Unlock()
			return true
		}
		if !time.Now().Before(deadline) {
			s.mu.Unlock()
			return false
		}
	}
}

// Available returns the number of currently-available permits.
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Acquire blocks until k permits are available, the
// calling thread is interrupted, or the program ends.
func (s *Semaphore) Acquire(ctx context.Context, k int) error {
	if s.tryNative(k, shortWait) {
		return nil
	}

	p := registry.Get()
	ts, _ := registry.ThreadFrom(ctx)
	breaker := s.data.Breaker()

	if err := p.AboutToSleep(ts, s.data); err != nil {
		_ = p.HasWoken(ts, s.data)
		return err
	}

	var loopErr error
	for {
		if s.tryNative(k, shortWait) {
			break
		}
		breaker.Wait(0)
		if err := p.Test(ts); err != nil {
			loopErr = err
			break
		}
	}
	if wokeErr := p.HasWoken(ts, s.data); wokeErr != nil && loopErr == nil {
		loopErr = wokeErr
	}
	return loopErr
}

// TryAcquire attempts to take k permits without blocking.
func (s *Semaphore) TryAcquire(k int) bool {
	return s.tryNative(k, 0)
}

// TryAcquireTimeout attempts to take k permits within the given total
// time budget. Per spec.md section 8, TryAcquireTimeout(k, 0) is
// equivalent to TryAcquire(k).
func (s *Semaphore) TryAcquireTimeout(ctx context.Context, k int, timeout time.Duration) (bool, error) {
	if timeout <= shortWait {
		return s.tryNative(k, timeout), nil
	}

	p := registry.Get()
	ts, _ := registry.ThreadFrom(ctx)
	breaker := s.data.Breaker()

	if err := p.AboutToSleep(ts, s.data); err != nil {
		_ = p.HasWoken(ts, s.data)
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
		if s.tryNative(k, budget) {
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
	if wokeErr := p.HasWoken(ts, s.data); wokeErr != nil && loopErr == nil {
		loopErr = wokeErr
	}
	if loopErr != nil {
		return false, loopErr
	}
	return ok, nil
}

// Release returns k permits to the semaphore and wakes every breaker waiter.
func (s *Semaphore) Release(k int) {
	s.mu.Lock()
	s.count += k
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()

	s.data.WakeBreaker()
}
