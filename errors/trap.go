package errors

import (
	"errors"
)

// TrapKind identifies a script-visible runtime trap
type TrapKind string

const (
	TrapStackOverflow TrapKind = "call stack exhausted"
	TrapOutOfMemory   TrapKind = "out of memory"
)

// Trap is the only error form that escapes the tier-up layer into the
// running program. Everything else degrades to interpretation.
type Trap struct {
	Cause error
	Kind  TrapKind
}

// Error implements the error interface
func (t *Trap) Error() string {
	if t.Cause != nil {
		return "wasm trap: " + string(t.Kind) + " (caused by: " + t.Cause.Error() + ")"
	}
	return "wasm trap: " + string(t.Kind)
}

// Unwrap returns the underlying error
func (t *Trap) Unwrap() error {
	return t.Cause
}

// Is matches traps by kind so a trap raised by tier-up compares equal to
// the one the interpreter raises for the same condition.
func (t *Trap) Is(target error) bool {
	if o, ok := target.(*Trap); ok {
		return t.Kind == o.Kind
	}
	return false
}

// ErrStackOverflow is the trap shared with the interpreter for stack exhaustion.
var ErrStackOverflow = &Trap{Kind: TrapStackOverflow}

// OutOfMemoryTrap converts a retained out-of-memory compile failure into a trap.
func OutOfMemoryTrap(cause error) *Trap {
	return &Trap{Kind: TrapOutOfMemory, Cause: cause}
}

// AsTrap returns the trap in err's chain, if any.
func AsTrap(err error) (*Trap, bool) {
	var t *Trap
	if errors.As(err, &t) {
		return t, true
	}
	return nil, false
}

// IsOutOfMemory reports whether err is an out-of-memory compile failure.
func IsOutOfMemory(err error) bool {
	return KindOf(err) == KindOutOfMemory
}
