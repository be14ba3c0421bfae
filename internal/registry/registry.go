// Package registry implements ProgramState: the process-wide thread
// registry and control state described in spec.md section 3-4.1. It
// owns the map of registered threads, the table of blocks currently
// being waited on and their waiter counts, the global interrupted/
// paused flags, and the pause gate (mutex + condition) paused threads
// sleep on.
//
// Unlike the Siren source this is distilled from, ProgramState's own
// locks (mu, pauseMu/pauseCond) are plain stdlib sync primitives, not
// instances of this module's own interruptible Mutex/WaitCondition -
// so there is no need for the source's isForAgesBlock special-casing
// (spec.md section 3's "never tracked in registry" invariant holds
// automatically, because these locks are never handed to
// AboutToSleep/ShouldWake/HasWoken in the first place).
package registry

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dijkstracula/go-ilock/ilockerr"
	"github.com/dijkstracula/go-ilock/internal/block"
	"github.com/rs/zerolog"
	"golang.org/x/exp/maps"
)

// blockEntry pairs a weak reference to a waited-on block with the
// number of threads currently recorded as waiting on it.
type blockEntry struct {
	ref     block.Ref
	waiters int
}

// ProgramState is the process-wide registry singleton.
type ProgramState struct {
	mu      sync.RWMutex // protects threads, blocks, lastID, isInterrupted
	threads map[int]*ThreadState
	blocks  map[uint64]*blockEntry
	lastID  int

	isInterrupted atomic.Bool

	pauseMu   sync.Mutex // distinct from mu, per spec.md section 5
	pauseCond *sync.Cond
	isPaused  atomic.Bool

	log zerolog.Logger
}

var (
	stateOnce sync.Once
	state     *ProgramState
)

func newProgramState() *ProgramState {
	p := &ProgramState{
		threads: make(map[int]*ThreadState),
		blocks:  make(map[uint64]*blockEntry),
		log:     zerolog.Nop(),
	}
	p.pauseCond = sync.NewCond(&p.pauseMu)
	return p
}

// Get returns the process-wide ProgramState, lazily creating it on
// first use.
func Get() *ProgramState {
	stateOnce.Do(func() {
		state = newProgramState()
	})
	return state
}

// ResetForTesting discards the process-wide singleton so the next call
// to Get constructs a fresh one. It exists only to give test suites
// isolation between scenarios; production code never calls this.
func ResetForTesting() {
	stateOnce = sync.Once{}
	state = nil
}

// SetLogger installs the zerolog.Logger used for the registry's Debug-
// level tracing of registration and pause/play/end transitions
// (SPEC_FULL.md section 1). Breaker wakes are not logged.
func (p *ProgramState) SetLogger(l zerolog.Logger) {
	p.log = l
}

// Register assigns the calling thread a fresh id and returns a context
// carrying its *ThreadState alongside the handle itself. parent must
// not already carry a thread (attempting to register twice onto the
// same context is a program bug, mirroring the source's "this thread
// appears to have been already registered" check).
func (p *ProgramState) Register(parent context.Context) (context.Context, *ThreadState, error) {
	if _, already := ThreadFrom(parent); already {
		return parent, nil, ilockerr.NewProgramBug("this context is already registered with for_ages")
	}

	p.mu.Lock()
	p.lastID++
	ts := newThreadState(p.lastID)
	p.threads[ts.id] = ts
	p.mu.Unlock()

	p.log.Debug().Int("thread_id", ts.id).Msg("thread registered")
	return WithThread(parent, ts), ts, nil
}

// Unregister removes the thread from the registry map. It does not
// otherwise touch ts - there is nothing analogous to the source's
// ThreadStorage destructor to wait for, since ts becomes garbage the
// moment the caller drops its context/handle.
func (p *ProgramState) Unregister(ts *ThreadState) {
	if ts == nil {
		return
	}

	p.mu.Lock()
	wasPaused := ts.isPaused.Load()
	delete(p.threads, ts.id)
	p.mu.Unlock()

	if wasPaused && !p.isPaused.Load() {
		p.pauseCond.Broadcast()
	}

	p.log.Debug().Int("thread_id", ts.id).Msg("thread unregistered")
}

// addRefLocked records that some thread is now waiting on d. Caller
// must hold p.mu for writing.
func (p *ProgramState) addRefLocked(d *block.Data) {
	e, ok := p.blocks[d.ID()]
	if !ok {
		e = &blockEntry{ref: block.NewRef(d)}
		p.blocks[d.ID()] = e
	}
	e.waiters++
}

// removeRefLocked clears ts's waiter record (and pruning the block
// entry if its count reaches zero). Caller must hold p.mu for writing.
func (p *ProgramState) removeRefLocked(ts *ThreadState) {
	id := ts.currentBlockID
	ts.currentBlockID = 0
	ts.currentBlock = block.Ref{}
	ts.wakeFromCurrent.Store(false)

	if e, ok := p.blocks[id]; ok {
		e.waiters--
		if e.waiters <= 0 {
			delete(p.blocks, id)
		}
	}
}

// AboutToSleep records that ts is about to block on d. If the thread
// (or the whole program) has already been asked to end, it still
// performs the bookkeeping (the caller must always pair this with a
// matching HasWoken, even when AboutToSleep itself fails) and then
// returns ilockerr.Interrupted.
//
// ts may be nil for an unregistered thread, in which case this is a
// pure no-op: unregistered threads are never tracked, and can always
// proceed to wait (spec.md section 8, "Boundary behaviors").
func (p *ProgramState) AboutToSleep(ts *ThreadState, d *block.Data) error {
	if ts == nil {
		return nil
	}

	p.mu.Lock()
	if ts.currentBlockID != 0 {
		prior := ts.currentBlockID
		p.mu.Unlock()
		return ilockerr.NewProgramBug(
			"thread %d cannot wait on block %d: already waiting on block %d",
			ts.id, d.ID(), prior)
	}

	ts.currentBlockID = d.ID()
	ts.currentBlock = block.NewRef(d)
	ts.wakeFromCurrent.Store(false)
	p.addRefLocked(d)
	p.mu.Unlock()

	if p.isInterrupted.Load() || ts.isInterrupted.Load() {
		return ilockerr.Interrupted
	}
	return nil
}

// ShouldWake is consulted by a primitive's wait loop after a native
// wake. It returns true when the thread is cleared to stop waiting.
func (p *ProgramState) ShouldWake(ts *ThreadState, d *block.Data) (bool, error) {
	if ts == nil {
		return true, nil
	}

	p.mu.Lock()
	if ts.currentBlockID == 0 {
		// already cleared by a previous call - nothing more to decide.
		p.mu.Unlock()
		return true, nil
	}
	if ts.currentBlockID != d.ID() {
		got := ts.currentBlockID
		p.mu.Unlock()
		return false, ilockerr.NewProgramBug(
			"thread %d woke for block %d but is recorded waiting on block %d",
			ts.id, d.ID(), got)
	}

	woke := ts.wakeFromCurrent.Load()
	interrupted := p.isInterrupted.Load() || ts.isInterrupted.Load()
	if woke || interrupted {
		p.removeRefLocked(ts)
	}
	p.mu.Unlock()

	switch {
	case interrupted:
		return false, ilockerr.Interrupted
	case woke:
		return true, nil
	default:
		return false, nil
	}
}

// HasWoken performs the unconditional cleanup a primitive runs on exit
// from a wait, whatever the reason (success, timeout, or failure).
func (p *ProgramState) HasWoken(ts *ThreadState, d *block.Data) error {
	if ts == nil {
		return nil
	}

	p.mu.Lock()
	if ts.currentBlockID != 0 {
		if ts.currentBlockID != d.ID() {
			got := ts.currentBlockID
			p.mu.Unlock()
			return ilockerr.NewProgramBug(
				"thread %d woken for block %d but is recorded waiting on block %d",
				ts.id, d.ID(), got)
		}
		p.removeRefLocked(ts)
	}
	interrupted := p.isInterrupted.Load() || ts.isInterrupted.Load()
	p.mu.Unlock()

	if interrupted {
		return ilockerr.Interrupted
	}
	return nil
}

// threadsSnapshotLocked copies the live *ThreadState values out of the
// thread map so a scan never ranges (and risks invalidating) the live
// map itself while threads are concurrently registering/unregistering
// - spec.md section 9's "avoid iterator invalidation" note. This is
// the snapshot half of that note, not a substitute for holding the
// lock: currentBlockID is a plain field mutated under p.mu's write
// side (AboutToSleep, removeRefLocked), so the lock must stay held for
// reading for as long as the scan is consulting it, exactly as the
// source's setShouldWakeAll/setShouldWakeOne hold their ReadLocker for
// the whole scan. Caller must hold p.mu for at least reading, and must
// keep holding it while examining the returned slice's currentBlockID.
func (p *ProgramState) threadsSnapshotLocked() []*ThreadState {
	return maps.Values(p.threads)
}

// SetShouldWakeAll marks every thread currently waiting on d as
// cleared to wake. The native wake on d's own primitive (or its
// breaker) must still be performed by the caller.
func (p *ProgramState) SetShouldWakeAll(d *block.Data) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, ts := range p.threadsSnapshotLocked() {
		if ts.currentBlockID == d.ID() {
			ts.wakeFromCurrent.Store(true)
		}
	}
}

// SetShouldWakeOne marks at most one thread currently waiting on d as
// cleared to wake. Which thread is chosen is unspecified (spec.md
// section 5: "absent any external fairness contract this is
// unspecified - do not promise FIFO"); this implementation picks
// whichever thread the snapshot slice visits first, which inherits
// Go's randomized map iteration order.
func (p *ProgramState) SetShouldWakeOne(d *block.Data) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, ts := range p.threadsSnapshotLocked() {
		if ts.currentBlockID == d.ID() {
			if ts.wakeFromCurrent.CompareAndSwap(false, true) {
				return
			}
		}
	}
}

// Test is the cooperative checkpoint. It returns ilockerr.Interrupted
// if the thread (or program) has been asked to end; otherwise, if
// paused, it blocks on the pause gate until played, then re-checks
// itself (to catch an interruption that arrived while paused).
//
// ts == nil means an unregistered thread: spec.md section 4.1 says
// these are "checkpoint-free", logging a diagnostic instead.
func (p *ProgramState) Test(ts *ThreadState) error {
	if ts == nil {
		p.log.Debug().Msg("cooperative checkpoint from an unregistered thread")
		return nil
	}

	for {
		if p.isInterrupted.Load() || ts.isInterrupted.Load() {
			return ilockerr.Interrupted
		}
		if !p.isPaused.Load() && !ts.isPaused.Load() {
			return nil
		}

		p.pauseMu.Lock()
		for (p.isPaused.Load() || ts.isPaused.Load()) &&
			!(p.isInterrupted.Load() || ts.isInterrupted.Load()) {
			p.pauseCond.Wait()
		}
		p.pauseMu.Unlock()
		// loop around: re-test in case an interruption arrived while paused.
	}
}

// TestN is the batched checkpoint: the expensive check only actually
// runs every n calls. n <= 0 is treated as 1 (check every time).
func (p *ProgramState) TestN(ts *ThreadState, n uint64) error {
	if ts == nil {
		p.log.Debug().Msg("cooperative checkpoint from an unregistered thread")
		return nil
	}
	if n == 0 {
		n = 1
	}

	c := ts.counter.Add(1)
	if c%n != 0 {
		return nil
	}
	return p.Test(ts)
}

// Pause sets the global pause flag. It returns whether this call
// actually changed anything (idempotent - a second call returns false).
func (p *ProgramState) Pause() bool {
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	if p.isPaused.Load() {
		return false
	}
	p.isPaused.Store(true)
	p.log.Debug().Msg("program paused")
	return true
}

// Play clears the global pause flag and wakes every thread parked on
// the pause gate.
func (p *ProgramState) Play() bool {
	p.pauseMu.Lock()
	if !p.isPaused.Load() {
		p.pauseMu.Unlock()
		return false
	}
	p.isPaused.Store(false)
	p.pauseMu.Unlock()

	p.pauseCond.Broadcast()
	p.log.Debug().Msg("program resumed")
	return true
}

// PauseThread sets the per-thread pause flag for the thread with the
// given id, if it is currently registered.
func (p *ProgramState) PauseThread(id int) bool {
	p.mu.RLock()
	ts, ok := p.threads[id]
	p.mu.RUnlock()
	if !ok {
		return false
	}

	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	if ts.isPaused.Load() {
		return false
	}
	ts.isPaused.Store(true)
	return true
}

// PlayThread clears the per-thread pause flag for the thread with the
// given id, waking the pause gate if the program itself isn't paused.
func (p *ProgramState) PlayThread(id int) bool {
	p.mu.RLock()
	ts, ok := p.threads[id]
	p.mu.RUnlock()
	if !ok {
		return false
	}

	p.pauseMu.Lock()
	if !ts.isPaused.Load() {
		p.pauseMu.Unlock()
		return false
	}
	ts.isPaused.Store(false)
	alsoGlobal := p.isPaused.Load()
	p.pauseMu.Unlock()

	if !alsoGlobal {
		p.pauseCond.Broadcast()
		return true
	}
	return false
}

// PauseAll sets the pause flag on every registered thread *and* the
// global flag. It returns whether anything actually changed, so a
// redundant PauseAll/PlayAll pair is cheap and never broadcasts
// (spec.md section 9, "Pause storm").
func (p *ProgramState) PauseAll() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()

	changed := false
	for _, ts := range p.threads {
		if !ts.isPaused.Load() {
			ts.isPaused.Store(true)
			changed = true
		}
	}
	if !p.isPaused.Load() {
		p.isPaused.Store(true)
		changed = true
	}
	return changed
}

// PlayAll clears the pause flag on every registered thread and the
// global flag, broadcasting on the pause gate only if something changed.
func (p *ProgramState) PlayAll() bool {
	p.mu.RLock()
	p.pauseMu.Lock()

	changed := false
	for _, ts := range p.threads {
		if ts.isPaused.Load() {
			ts.isPaused.Store(false)
			changed = true
		}
	}
	if p.isPaused.Load() {
		p.isPaused.Store(false)
		changed = true
	}

	p.pauseMu.Unlock()
	p.mu.RUnlock()

	if changed {
		p.pauseCond.Broadcast()
	}
	return changed
}

// wakeTrackedBlocksLocked wakes every block currently tracked in the
// waiter table, pruning any whose weak ref has already expired. Caller
// must hold p.mu for writing, since pruning deletes from p.blocks; it
// does not take the lock itself (End and EndAll call it with the write
// lock held).
func (p *ProgramState) wakeTrackedBlocksLocked() {
	for id, e := range p.blocks {
		d, ok := e.ref.Resolve()
		if !ok {
			delete(p.blocks, id)
			continue
		}
		d.WakeBreaker()
	}
}

// End sets the global interrupted flag. It returns whether this call
// actually changed anything. Every tracked block is woken so any
// thread sleeping on one observes the interruption promptly, and the
// pause gate is woken too, in case anyone is paused.
func (p *ProgramState) End() bool {
	p.mu.Lock()
	if p.isInterrupted.Load() {
		p.mu.Unlock()
		return false
	}
	p.isInterrupted.Store(true)
	p.wakeTrackedBlocksLocked()
	p.mu.Unlock()

	p.pauseCond.Broadcast()
	p.log.Debug().Msg("program ended")
	return true
}

// EndThread sets the per-thread interrupted flag for the thread with
// the given id. Per spec.md section 9's Open Question, the current
// block's breaker is poked whether or not this call actually changed
// the flag - a racing second caller may find a thread already
// interrupted but freshly asleep on a new block, and that waiter still
// needs a wake.
func (p *ProgramState) EndThread(id int) bool {
	p.mu.Lock()
	ts, ok := p.threads[id]
	if !ok {
		p.mu.Unlock()
		return false
	}

	changed := !ts.isInterrupted.Load()
	if changed {
		ts.isInterrupted.Store(true)
	}
	ref := ts.currentBlock
	p.mu.Unlock()

	ref.CheckEndForAges()
	if changed {
		p.pauseCond.Broadcast()
		p.log.Debug().Int("thread_id", id).Msg("thread ended")
	}
	return changed
}

// EndAll sets the interrupted flag on every registered thread and the
// global flag, then wakes the pause gate and every tracked block.
func (p *ProgramState) EndAll() bool {
	p.mu.Lock()

	changed := false
	for _, ts := range p.threads {
		if !ts.isInterrupted.Load() {
			ts.isInterrupted.Store(true)
			changed = true
		}
	}
	if !p.isInterrupted.Load() {
		p.isInterrupted.Store(true)
		changed = true
	}

	if changed {
		p.wakeTrackedBlocksLocked()
	}
	p.mu.Unlock()

	if changed {
		p.pauseCond.Broadcast()
		p.log.Debug().Msg("all threads ended")
	}
	return changed
}

// Shutdown runs EndAll, wakes every paused thread, and is the
// equivalent of the source's ProgramState destructor (spec.md section
// 6's fini hook): "end all blocks, wake everyone, then tear down".
// Safe to call more than once.
func (p *ProgramState) Shutdown() {
	p.EndAll()
	p.pauseCond.Broadcast()
	p.log.Debug().Msg("registry shut down")
}

// Snapshot returns the number of currently registered threads and
// whether the program is globally interrupted/paused - diagnostic-only,
// used by the demo CLI and tests.
func (p *ProgramState) Snapshot() (threadCount int, interrupted, paused bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.threads), p.isInterrupted.Load(), p.isPaused.Load()
}
