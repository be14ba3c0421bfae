// Package block implements the shared Block/Ref handle pair described
// in spec.md section 4.2, re-architected per section 9's guidance: a
// sealed tag (Kind) in place of a C++ abstract-base-plus-RTTI, and a
// weak.Pointer-backed Ref in place of a manually-maintained weak
// shared_ptr. The registry (internal/registry) never keeps a Data alive
// through Ref; only the concrete primitive (ilock.Mutex, and so on)
// that embeds a *Data does.
package block

import (
	"fmt"
	"sync/atomic"
	"weak"

	"github.com/dijkstracula/go-ilock/ilockerr"
)

// Kind tags the concrete primitive a Data belongs to, standing in for
// the source's RTTI-based blockType()/isOfType() dispatch.
type Kind uint8

const (
	KindMutex Kind = iota
	KindReadWriteLock
	KindSemaphore
	KindWaitCondition
)

func (k Kind) String() string {
	switch k {
	case KindMutex:
		return "Mutex"
	case KindReadWriteLock:
		return "ReadWriteLock"
	case KindSemaphore:
		return "Semaphore"
	case KindWaitCondition:
		return "WaitCondition"
	default:
		return "Unknown"
	}
}

var nextID atomic.Uint64

// Data is the common part of every interruptible primitive: an
// identity, a type tag, and a lazily-allocated breaker. Concrete
// primitives (ilock.Mutex, ilock.ReadWriteLock, ...) embed a *Data and
// set Self once, during construction, so that a Ref can be downcast
// back to the concrete wrapper via AsA.
type Data struct {
	id      uint64
	kind    Kind
	breaker atomic.Pointer[Breaker]

	// self is set once, before the owning primitive is published to any
	// other goroutine, and is never mutated again - safe to read without
	// synchronization thereafter.
	self any
}

// NewData allocates the shared Data for a new primitive of the given kind.
func NewData(kind Kind) *Data {
	return &Data{id: nextID.Add(1), kind: kind}
}

// SetSelf records the concrete wrapper (e.g. *ilock.Mutex) that owns
// this Data, so that Ref.AsA can recover it later. Must be called
// exactly once, from the constructor, before the value escapes.
func (d *Data) SetSelf(self any) { d.self = self }

// ID returns a stable identity for this Data, used as the registry's
// map key so the registry itself never needs to store a strong pointer.
func (d *Data) ID() uint64 { return d.id }

// Kind returns the concrete primitive tag.
func (d *Data) Kind() Kind { return d.kind }

func (d *Data) String() string {
	return fmt.Sprintf("%s(#%d)", d.kind, d.id)
}

// Same reports whether two Data pointers refer to the same underlying
// block, per spec.md's Block equality ("identity of the underlying data
// pointer").
func Same(a, b *Data) bool { return a == b }

// Ref is a weak observer of a Data: it never prevents the Data (and
// thus the owning primitive) from being collected. It is the handle the
// registry stores in its waiter table and its teardown list.
type Ref struct {
	w weak.Pointer[Data]
}

// NewRef creates a weak reference to d.
func NewRef(d *Data) Ref {
	return Ref{w: weak.Make(d)}
}

// Resolve attempts to recover a strong *Data from the weak reference.
// It returns false once the underlying primitive has been collected.
func (r Ref) Resolve() (*Data, bool) {
	if r.w == (weak.Pointer[Data]{}) {
		return nil, false
	}
	d := r.w.Value()
	return d, d != nil
}

// IsNull reports whether this Ref was never assigned a Data.
func (r Ref) IsNull() bool {
	return r.w == (weak.Pointer[Data]{})
}

// CheckEndForAges is the registry-facing operation described in
// spec.md section 4.2: if the referenced Data is still alive, ask it to
// wake its breaker; if it has already been collected, do nothing. This
// must never panic or block for long - it is called while the registry
// iterates its teardown list.
func (r Ref) CheckEndForAges() {
	if d, ok := r.Resolve(); ok {
		d.WakeBreaker()
	}
}

// AsA attempts to downcast a Ref to the concrete primitive type T (e.g.
// *ilock.Mutex). It returns ilockerr.ErrInvalidCast if the Ref is null
// (expired or never set) or holds a different concrete type - spec.md
// section 4.2's "ref.as<T>() fails with an invalid-cast error".
func AsA[T any](r Ref) (T, error) {
	var zero T
	d, ok := r.Resolve()
	if !ok {
		return zero, ilockerr.ErrInvalidCast
	}
	t, ok := d.self.(T)
	if !ok {
		return zero, ilockerr.ErrInvalidCast
	}
	return t, nil
}

// breakerOnce-free lazy breaker allocation: CAS a freshly-built Breaker
// into place; losers discard their speculative allocation. Mirrors the
// source's BlockData::createBreaker and its fetchAndStoreRelaxed(0)
// teardown (here, teardown is simply "let the GC collect Data", at
// which point the atomic.Pointer and everything it points to becomes
// unreachable together - no separate free step is needed).

// Breaker returns the lazily-allocated breaker for this Data, creating
// it on first contended use.
func (d *Data) Breaker() *Breaker {
	if b := d.breaker.Load(); b != nil {
		return b
	}
	nb := newBreaker()
	if d.breaker.CompareAndSwap(nil, nb) {
		return nb
	}
	return d.breaker.Load()
}

// WakeBreaker wakes every thread parked on this Data's breaker, if one
// has ever been allocated. Safe to call whether or not a breaker exists.
func (d *Data) WakeBreaker() {
	if b := d.breaker.Load(); b != nil {
		b.WakeAll()
	}
}
