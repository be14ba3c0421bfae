// Package forages is the public facade of spec.md section 4.1: the
// handful of static entry points a program actually calls - register/
// unregister, pause/play/end (globally, by thread, and for everyone at
// once), the cooperative checkpoint, sleep/msleep, and thread naming.
// Everything else (internal/registry, internal/block, ilock) exists to
// make this package's handful of functions correct under interruption.
package forages

import (
	"context"
	"fmt"
	"time"

	"github.com/dijkstracula/go-ilock/ilock"
	"github.com/dijkstracula/go-ilock/internal/registry"
	"github.com/rs/zerolog"
)

// ThreadHandle is the per-thread record register returns: an id, a
// display name, and the bookkeeping the rest of this module consults to
// decide whether a given goroutine should keep running. Callers
// normally don't touch it directly - it rides along inside the
// context.Context Register hands back - but it is exported for code
// that wants to name itself or inspect its own id.
type ThreadHandle = registry.ThreadState

// Register enrolls the calling goroutine with the process-wide
// registry, returning a context carrying its identity (thread the
// rest of this package's calls through) and the handle itself.
// Registering the same context twice is a program bug.
func Register(parent context.Context) (context.Context, *ThreadHandle, error) {
	return registry.Get().Register(parent)
}

// Unregister removes the thread from the registry. It does not block
// and does not invalidate ctx; the ThreadHandle simply becomes garbage
// once the caller stops referencing it.
func Unregister(ts *ThreadHandle) {
	registry.Get().Unregister(ts)
}

// SetLogger installs the zerolog.Logger the registry uses for its
// Debug-level tracing of registration and control-plane transitions.
func SetLogger(l zerolog.Logger) {
	registry.Get().SetLogger(l)
}

// SetThisThreadName records a display name for ctx's thread. A no-op
// if ctx carries no registered thread.
func SetThisThreadName(ctx context.Context, name string) {
	if ts, ok := registry.ThreadFrom(ctx); ok {
		ts.SetName(name)
	}
}

// ThisThreadName returns ctx's thread's display name, or "" if ctx
// carries no registered thread or none was ever set.
func ThisThreadName(ctx context.Context) string {
	if ts, ok := registry.ThreadFrom(ctx); ok {
		return ts.Name()
	}
	return ""
}

// Pause sets the global pause flag, reporting whether it actually
// changed anything.
func Pause() bool { return registry.Get().Pause() }

// Play clears the global pause flag, reporting whether it actually
// changed anything.
func Play() bool { return registry.Get().Play() }

// End sets the global interrupted flag and wakes every tracked block,
// reporting whether it actually changed anything.
func End() bool { return registry.Get().End() }

// PauseThread sets the per-thread pause flag for the thread with the
// given id, if currently registered.
func PauseThread(id int) bool { return registry.Get().PauseThread(id) }

// PlayThread clears the per-thread pause flag for the thread with the
// given id, if currently registered.
func PlayThread(id int) bool { return registry.Get().PlayThread(id) }

// EndThread sets the per-thread interrupted flag for the thread with
// the given id and pokes whatever block it is currently waiting on.
func EndThread(id int) bool { return registry.Get().EndThread(id) }

// PauseAll sets the pause flag on every registered thread and the
// global flag.
func PauseAll() bool { return registry.Get().PauseAll() }

// PlayAll clears the pause flag on every registered thread and the
// global flag.
func PlayAll() bool { return registry.Get().PlayAll() }

// EndAll sets the interrupted flag on every registered thread and the
// global flag, then wakes every tracked block.
func EndAll() bool { return registry.Get().EndAll() }

// Shutdown is the program-teardown equivalent of EndAll: it interrupts
// everyone, wakes every waiter (tracked or merely paused), and is safe
// to call more than once. Call it once, near process exit.
func Shutdown() { registry.Get().Shutdown() }

// Test is the cooperative checkpoint: it fails with an interruption
// error if ctx's thread (or the whole program) has been asked to end,
// and otherwise blocks here if paused, until played.
func Test(ctx context.Context) error {
	ts, _ := registry.ThreadFrom(ctx)
	return registry.Get().Test(ts)
}

// TestN is Test, but only actually checks every n calls - useful inside
// a tight loop where a full checkpoint on every iteration would be
// wasteful.
func TestN(ctx context.Context, n uint64) error {
	ts, _ := registry.ThreadFrom(ctx)
	return registry.Get().TestN(ts, n)
}

// Loop runs body repeatedly, calling Test before each iteration, until
// body returns false, ctx's thread is interrupted, or the program ends.
func Loop(ctx context.Context, body func() bool) error {
	for {
		if err := Test(ctx); err != nil {
			return err
		}
		if !body() {
			return nil
		}
	}
}

// LoopN is Loop using TestN(n) instead of a checkpoint on every pass.
func LoopN(ctx context.Context, n uint64, body func() bool) error {
	for {
		if err := TestN(ctx, n); err != nil {
			return err
		}
		if !body() {
			return nil
		}
	}
}

// Sleep blocks the calling thread for the given number of seconds, or
// until it is interrupted or the program ends - whichever comes first.
// It is implemented, per spec.md section 4.1, by waiting on a fresh
// WaitCondition with the requested timeout, which is what makes a sleep
// fully interruptible instead of an uncancellable time.Sleep.
func Sleep(ctx context.Context, seconds int) error {
	return Msleep(ctx, time.Duration(seconds)*time.Second)
}

// Msleep is Sleep expressed directly as a time.Duration.
func Msleep(ctx context.Context, d time.Duration) error {
	wc := ilock.NewWaitCondition()
	_, err := wc.WaitAloneTimeout(ctx, d)
	return err
}

// String reports a short diagnostic summary of the registry's current
// state - thread count, and whether the program is globally interrupted
// or paused. Used by the demo CLI; not part of the control surface.
func String() string {
	n, interrupted, paused := registry.Get().Snapshot()
	return fmt.Sprintf("forages(threads=%d interrupted=%t paused=%t)", n, interrupted, paused)
}
