package registry

import "context"

type ctxKeyType struct{}

var ctxKey ctxKeyType

// WithThread returns a copy of parent carrying ts as the current
// thread's identity. This is the Go-idiomatic replacement for the
// source's ThreadStorage<ThreadState*> thread-local: the registered
// caller carries its own identity forward through every call that
// needs to know "which thread is this", instead of the runtime
// maintaining an implicit per-OS-thread slot (see SPEC_FULL.md section 3).
func WithThread(parent context.Context, ts *ThreadState) context.Context {
	return context.WithValue(parent, ctxKey, ts)
}

// ThreadFrom extracts the *ThreadState previously attached with
// WithThread, if any.
func ThreadFrom(ctx context.Context) (*ThreadState, bool) {
	ts, ok := ctx.Value(ctxKey).(*ThreadState)
	return ts, ok
}
