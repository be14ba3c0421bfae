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

func TestSemaphoreAcquireReleaseRoundTrip(t *testing.T) {
	ctx, _ := freshCtx(t)
	s := NewSemaphore(3)

	require.NoError(t, s.Acquire(ctx, 2))
	assert.Equal(t, 1, s.Available())
	s.Release(2)
	assert.Equal(t, 3, s.Available())
}

func TestSemaphoreTryAcquireTimeoutZeroEqualsTryAcquire(t *testing.T) {
	ctx, _ := freshCtx(t)
	s := NewSemaphore(1)
	require.NoError(t, s.Acquire(ctx, 1))

	ok, err := s.TryAcquireTimeout(ctx, 1, 0)
	require.NoError(t, err)
	assert.False(t, ok, "TryAcquireTimeout(k, 0) must behave like TryAcquire(k)")
}

func TestSemaphoreBlocksUntilPermitsAvailable(t *testing.T) {
	ctx, _ := freshCtx(t)
	s := NewSemaphore(0)

	acquired := make(chan struct{})
	go func() {
		require.NoError(t, s.Acquire(ctx, 1))
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("Acquire returned before a permit was released")
	case <-time.After(100 * time.Millisecond):
	}

	s.Release(1)
	select {
	case <-acquired:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Acquire did not unblock after Release")
	}
}

// TestSemaphoreStarvationAvoidance checks that no permit is lost or
// double-granted under many concurrent acquirers/releasers contending
// on a small pool - spec.md section 8's starvation-avoidance scenario
// for the counting semaphore.
func TestSemaphoreStarvationAvoidance(t *testing.T) {
	registry.ResetForTesting()
	p := registry.Get()
	s := NewSemaphore(4)

	const goroutines = 30
	const iterations = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			ctx, ts, err := p.Register(context.Background())
			require.NoError(t, err)
			defer p.Unregister(ts)

			for j := 0; j < iterations; j++ {
				require.NoError(t, s.Acquire(ctx, 1))
				assert.GreaterOrEqual(t, s.Available(), 0)
				s.Release(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, s.Available())
}

func TestSemaphoreInterruptUnblocksWaiter(t *testing.T) {
	registry.ResetForTesting()
	p := registry.Get()
	s := NewSemaphore(0)

	ctx, ts, err := p.Register(context.Background())
	require.NoError(t, err)
	defer p.Unregister(ts)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Acquire(ctx, 1) }()

	time.Sleep(50 * time.Millisecond)
	p.EndThread(ts.ID())

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("acquirer did not observe interruption within 500ms")
	}
}
