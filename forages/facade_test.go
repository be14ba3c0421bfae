package forages

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dijkstracula/go-ilock/ilock"
	"github.com/dijkstracula/go-ilock/ilockerr"
	"github.com/dijkstracula/go-ilock/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterUnregisterRoundTrip(t *testing.T) {
	registry.ResetForTesting()

	before, interrupted, paused := registry.Get().Snapshot()
	ctx, ts, err := Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before+1, func() int { n, _, _ := registry.Get().Snapshot(); return n }())

	Unregister(ts)
	after, interruptedAfter, pausedAfter := registry.Get().Snapshot()
	assert.Equal(t, before, after)
	assert.Equal(t, interrupted, interruptedAfter)
	assert.Equal(t, paused, pausedAfter)
	_ = ctx
}

func TestSetThisThreadNameRoundTrip(t *testing.T) {
	registry.ResetForTesting()
	ctx, ts, err := Register(context.Background())
	require.NoError(t, err)
	defer Unregister(ts)

	assert.Equal(t, "", ThisThreadName(ctx))
	SetThisThreadName(ctx, "worker-7")
	assert.Equal(t, "worker-7", ThisThreadName(ctx))
}

func TestPausePlayIsANoopOnTheFlag(t *testing.T) {
	registry.ResetForTesting()

	assert.True(t, Pause())
	assert.False(t, Pause(), "pause() twice should be idempotent")
	assert.True(t, Play())
	assert.False(t, Play(), "play() twice should be idempotent")
}

func TestSleepZeroReturnsImmediately(t *testing.T) {
	registry.ResetForTesting()
	ctx, ts, err := Register(context.Background())
	require.NoError(t, err)
	defer Unregister(ts)

	start := time.Now()
	require.NoError(t, Sleep(ctx, 0))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestSleepIsInterruptible(t *testing.T) {
	registry.ResetForTesting()
	ctx, ts, err := Register(context.Background())
	require.NoError(t, err)
	defer Unregister(ts)

	errCh := make(chan error, 1)
	go func() { errCh <- Sleep(ctx, 10) }()

	time.Sleep(100 * time.Millisecond)
	EndThread(ts.ID())

	select {
	case err := <-errCh:
		assert.True(t, ilockerr.IsInterrupted(err))
	case <-time.After(2 * time.Second):
		t.Fatal("Sleep did not observe interruption")
	}
}

// TestGlobalPauseAllHaltsWorkers is end-to-end scenario 2 from spec.md
// section 8: ten workers looping do_work() are halted by pause_all and
// resumed by play_all.
func TestGlobalPauseAllHaltsWorkers(t *testing.T) {
	registry.ResetForTesting()

	const workers = 10
	var progress [workers]int64
	var wg sync.WaitGroup
	wg.Add(workers)

	stop := make(chan struct{})
	for i := 0; i < workers; i++ {
		go func(id int) {
			defer wg.Done()
			ctx, ts, err := Register(context.Background())
			require.NoError(t, err)
			defer Unregister(ts)

			_ = LoopN(ctx, 1, func() bool {
				select {
				case <-stop:
					return false
				default:
				}
				atomic.AddInt64(&progress[id], 1)
				time.Sleep(time.Millisecond)
				return true
			})
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	assert.True(t, PauseAll())

	snapshot := func() int64 {
		var total int64
		for i := range progress {
			total += atomic.LoadInt64(&progress[i])
		}
		return total
	}

	// A worker already past its checkpoint but not yet incrementing can
	// still land one more increment after PauseAll returns; give every
	// in-flight iteration time to finish and actually park before taking
	// the baseline snapshot.
	time.Sleep(20 * time.Millisecond)
	before := snapshot()
	time.Sleep(100 * time.Millisecond)
	after := snapshot()
	assert.Equal(t, before, after, "no worker should advance while the program is globally paused")

	assert.True(t, PlayAll())
	time.Sleep(50 * time.Millisecond)
	resumed := snapshot()
	assert.Greater(t, resumed, after, "workers should resume after play_all")

	close(stop)
	EndAll()
	wg.Wait()
}

func TestUnregisteredThreadCheckpointsAreNoops(t *testing.T) {
	registry.ResetForTesting()
	// ctx carries no registered thread at all.
	assert.NoError(t, Test(context.Background()))
	assert.NoError(t, TestN(context.Background(), 10))

	// pause/end on an unregistered thread have no effect on it; ordinary
	// waits still proceed (spec.md section 8 boundary behaviors).
	m := ilock.NewMutex(ilock.NonRecursive)
	require.NoError(t, m.Lock(context.Background()))
	m.Unlock()
}

func TestShutdownIsIdempotentAndInterruptsEveryone(t *testing.T) {
	registry.ResetForTesting()
	ctx, ts, err := Register(context.Background())
	require.NoError(t, err)
	defer Unregister(ts)

	errCh := make(chan error, 1)
	go func() { errCh <- Sleep(ctx, 10) }()

	time.Sleep(100 * time.Millisecond)
	Shutdown()
	Shutdown() // must not panic or block the second time.

	select {
	case err := <-errCh:
		assert.True(t, ilockerr.IsInterrupted(err))
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not interrupt the sleeping thread")
	}
}
