package registry

import (
	"sync/atomic"

	"github.com/dijkstracula/go-ilock/internal/block"
)

// ThreadState is the per-thread record of spec.md section 3: an id, a
// display name, a cooperative-checkpoint counter, the block (if any)
// the thread is currently sleeping on, the wake_from_current flag, and
// the per-thread interrupted/paused flags.
//
// Go has no native thread-local storage, so - unlike the Siren source,
// which stashes a ThreadState* in a platform thread-local slot - the
// caller holds onto the *ThreadState (exported as forages.ThreadHandle)
// explicitly, typically threaded through a context.Context (see
// context.go). The name, the checkpoint counter and the flags below are
// atomic, because goroutines other than the owner (a controller, or a
// set_should_wake scan) may read or write them; currentBlockID and
// currentBlock are plain fields guarded by the registry lock.
type ThreadState struct {
	id   int
	name atomic.Pointer[string]

	// counter is the cooperative-checkpoint counter used by Test(n);
	// unsigned so it wraps cleanly (spec.md section 9's steer away from
	// the source's signed-overflow special case).
	counter atomic.Uint64

	// currentBlockID is zero when the thread is not between a matched
	// about_to_sleep/has_woken pair, and the block.Data.ID() of the
	// block it is sleeping on otherwise. Mutated only under the
	// registry's write lock (AboutToSleep, removeRefLocked), and must
	// only be read under at least the registry's read lock in turn -
	// set_should_wake_one/set_should_wake_all hold that read lock for
	// their entire scan for exactly this reason (see
	// threadsSnapshotLocked in registry.go).
	currentBlockID uint64
	currentBlock   block.Ref

	// wakeFromCurrent is set by set_should_wake_one/set_should_wake_all
	// while they hold only the registry's *shared* read lock across
	// their scan (spec.md section 5 classifies the scan as a read-only
	// query). Two such scans can run concurrently and target the same
	// thread, so this is a lock-free atomic rather than a plain bool -
	// the per-thread-atomic-flag option spec.md section 9's "avoid
	// iterator invalidation" note allows. should_wake still reads it
	// under the registry's write lock, same as currentBlockID.
	wakeFromCurrent atomic.Bool

	isInterrupted atomic.Bool
	isPaused      atomic.Bool
}

func newThreadState(id int) *ThreadState {
	ts := &ThreadState{id: id}
	name := ""
	ts.name.Store(&name)
	return ts
}

// ID returns the thread's registry-assigned identity.
func (ts *ThreadState) ID() int { return ts.id }

// Name returns the thread's current display name.
func (ts *ThreadState) Name() string {
	return *ts.name.Load()
}

// SetName updates the thread's display name.
func (ts *ThreadState) SetName(name string) {
	ts.name.Store(&name)
}
