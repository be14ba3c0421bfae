// Package ilockerr defines the error taxonomy surfaced by the forages
// cooperative thread-control subsystem (the forages and ilock packages).
//
// There are exactly three kinds, per spec: Interrupted (recoverable,
// expected to be caught at task boundaries), InvalidCast (programmer
// error when narrowing a Ref to the wrong concrete type), and ProgramBug
// (an invariant violation; callers should treat these as fatal).
package ilockerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Interrupted is returned (wrapped or bare) by any blocking call or
// cooperative checkpoint that observed an end instruction asking the
// calling thread, or the whole program, to stop. Callers should
// compare against it with errors.Is.
var Interrupted = errors.New("forages: interrupted")

// ErrInvalidCast is returned by Ref downcasts (block.AsA) when the
// referenced Block has already been collected, or is not of the
// requested concrete type.
var ErrInvalidCast = errors.New("forages: invalid cast")

// ErrProgramBug is wrapped with context and returned/panicked for
// invariant violations: double-entry into a wait, a should-wake call
// observing a current_block that doesn't match the block it was called
// on, and similar conditions that indicate a caller or library defect
// rather than a runtime condition.
var ErrProgramBug = errors.New("forages: program bug")

// NewProgramBug wraps ErrProgramBug with a formatted message and a
// captured stack trace, for the "this should never happen" class of
// invariant violation described in spec.md section 7.
func NewProgramBug(format string, args ...any) error {
	return errors.Wrap(ErrProgramBug, fmt.Sprintf(format, args...))
}

// IsInterrupted reports whether err is, or wraps, Interrupted.
func IsInterrupted(err error) bool {
	return errors.Is(err, Interrupted)
}

// IsProgramBug reports whether err is, or wraps, ErrProgramBug.
func IsProgramBug(err error) bool {
	return errors.Is(err, ErrProgramBug)
}
