package ilock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dijkstracula/go-ilock/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitConditionWakeOneWakesExactlyOne(t *testing.T) {
	registry.ResetForTesting()
	p := registry.Get()
	wc := NewWaitCondition()

	const waiters = 5
	var wg sync.WaitGroup
	var woken int32
	var mu sync.Mutex

	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			defer wg.Done()
			ctx, ts, err := p.Register(context.Background())
			require.NoError(t, err)
			defer p.Unregister(ts)

			m := NewMutex(NonRecursive)
			require.NoError(t, m.Lock(ctx))
			if err := wc.Wait(ctx, m.AsWaitable()); err == nil {
				mu.Lock()
				woken++
				mu.Unlock()
			}
			m.Unlock()
		}()
	}

	// give every goroutine time to clear the initial 200ms fast-path
	// wait and register itself with the registry via about_to_sleep.
	time.Sleep(350 * time.Millisecond)
	wc.WakeOne()

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, int32(1), woken, "wake_one must wake exactly one waiter")
	mu.Unlock()

	wc.WakeAll()
	wg.Wait()
}

func TestWaitConditionWakeAllWakesEveryone(t *testing.T) {
	registry.ResetForTesting()
	p := registry.Get()
	wc := NewWaitCondition()

	const waiters = 5
	var wg sync.WaitGroup
	wg.Add(waiters)

	for i := 0; i < waiters; i++ {
		go func() {
			defer wg.Done()
			ctx, ts, err := p.Register(context.Background())
			require.NoError(t, err)
			defer p.Unregister(ts)

			m := NewMutex(NonRecursive)
			require.NoError(t, m.Lock(ctx))
			require.NoError(t, wc.Wait(ctx, m.AsWaitable()))
			m.Unlock()
		}()
	}

	time.Sleep(150 * time.Millisecond)
	wc.WakeAll()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wake_all did not release every waiter")
	}
}

// TestWaitConditionTimedWaitAcrossInterrupt is end-to-end scenario 3 from
// spec.md section 8: a long timed wait fails early with Interrupted
// when end() is called partway through, and the caller's lock is
// re-locked on the way out.
func TestWaitConditionTimedWaitAcrossInterrupt(t *testing.T) {
	ctx, ts := freshCtx(t)
	p := registry.Get()
	wc := NewWaitCondition()
	m := NewMutex(NonRecursive)
	require.NoError(t, m.Lock(ctx))

	start := time.Now()
	resultCh := make(chan struct {
		ok  bool
		err error
	}, 1)
	go func() {
		ok, err := wc.WaitTimeout(ctx, m.AsWaitable(), 5*time.Second)
		resultCh <- struct {
			ok  bool
			err error
		}{ok, err}
	}()

	time.Sleep(200 * time.Millisecond)
	p.EndThread(ts.ID())

	select {
	case res := <-resultCh:
		elapsed := time.Since(start)
		assert.Error(t, res.err)
		assert.False(t, res.ok)
		assert.Less(t, elapsed, 2*time.Second, "interrupt should cut the wait well short of the 5s budget")
	case <-time.After(3 * time.Second):
		t.Fatal("timed wait did not observe interruption promptly")
	}

	// lock must be held again on return, per spec.md section 8 scenario 3.
	assert.False(t, m.TryLock(ctx), "mutex should be re-locked by WaitTimeout on the way out")
	m.Unlock()
}

func TestWaitConditionTimeoutWithoutWake(t *testing.T) {
	ctx, _ := freshCtx(t)
	wc := NewWaitCondition()
	m := NewMutex(NonRecursive)
	require.NoError(t, m.Lock(ctx))

	start := time.Now()
	ok, err := wc.WaitTimeout(ctx, m.AsWaitable(), 300*time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)

	assert.False(t, m.TryLock(ctx), "mutex should be re-locked after a timed-out wait")
	m.Unlock()
}

// TestWaitConditionSharedMutexManyWaiters is end-to-end scenario 4 from
// spec.md section 8: several threads wait on the same WaitCondition
// while sharing a single Mutex. WakeAll natively wakes every waiter at
// once, but only one can actually reacquire the shared mutex; the rest
// must relock natively without re-entering about_to_sleep on it, since
// each is still registry-accounted to wc's own block until Wait
// returns. A waiter that holds the mutex for longer than the native
// try budget while doing its work is what used to expose the bug: the
// other waiters' relock would reach about_to_sleep(m) with
// currentBlockID already pointing at wc, tripping the double-entry
// ProgramBug.
func TestWaitConditionSharedMutexManyWaiters(t *testing.T) {
	registry.ResetForTesting()
	p := registry.Get()
	wc := NewWaitCondition()
	m := NewMutex(NonRecursive)

	const waiters = 3
	var wg sync.WaitGroup
	errs := make([]error, waiters)
	wg.Add(waiters)

	for i := 0; i < waiters; i++ {
		go func(idx int) {
			defer wg.Done()
			ctx, ts, err := p.Register(context.Background())
			if err != nil {
				errs[idx] = err
				return
			}
			defer p.Unregister(ts)

			if err := m.Lock(ctx); err != nil {
				errs[idx] = err
				return
			}
			err = wc.Wait(ctx, m.AsWaitable())
			// hold the shared mutex well past the native try budget so any
			// other woken waiter's relock has to contend for real.
			time.Sleep(shortWait * 2)
			m.Unlock()
			errs[idx] = err
		}(i)
	}

	time.Sleep(350 * time.Millisecond)
	wc.WakeAll()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shared-mutex waiters did not all return")
	}

	for i, err := range errs {
		assert.NoError(t, err, "waiter %d", i)
	}
}

func TestWaitAloneTimeoutZeroReturnsImmediately(t *testing.T) {
	ctx, _ := freshCtx(t)
	wc := NewWaitCondition()

	start := time.Now()
	ok, err := wc.WaitAloneTimeout(ctx, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}
