package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Phase indicates where in the tier-up pipeline the error occurred
type Phase string

const (
	PhaseDecode  Phase = "decode"  // module binary decoding
	PhaseAnalyze Phase = "analyze" // OSR descriptor analysis
	PhaseCompile Phase = "compile" // optimizing compiler
	PhaseTierUp  Phase = "tierup"  // coordinator decisions
	PhaseOSR     Phase = "osr"     // state transplant
	PhaseRuntime Phase = "runtime" // running code
	PhaseConfig  Phase = "config"  // configuration loading
)

// Kind categorizes the error
type Kind string

const (
	KindCompileFailed      Kind = "compile_failed"
	KindOutOfMemory        Kind = "out_of_memory"
	KindResourceExhaustion Kind = "resource_exhaustion"
	KindStackOverflow      Kind = "stack_overflow"
	KindInvariant          Kind = "invariant"
	KindInvalidData        Kind = "invalid_data"
	KindOutOfBounds        Kind = "out_of_bounds"
	KindUnsupported        Kind = "unsupported"
	KindNotFound           Kind = "not_found"
	KindInvalidInput       Kind = "invalid_input"
	KindClosed             Kind = "closed"
)

// NoFunction marks errors that are not tied to a function index.
const NoFunction = ^uint32(0)

// Error is the structured error type used throughout the module
type Error struct {
	Value    any
	Cause    error
	Phase    Phase
	Kind     Kind
	Mode     string
	Detail   string
	Function uint32
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Function != NoFunction {
		fmt.Fprintf(&b, " in function %d", e.Function)
		if e.Mode != "" {
			b.WriteString(" (")
			b.WriteString(e.Mode)
			b.WriteByte(')')
		}
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase:    phase,
			Kind:     kind,
			Function: NoFunction,
		},
	}
}

// Function sets the function index the error belongs to
func (b *Builder) Function(fn uint32) *Builder {
	b.err.Function = fn
	return b
}

// Mode sets the execution mode name
func (b *Builder) Mode(mode fmt.Stringer) *Builder {
	if mode != nil {
		b.err.Mode = mode.String()
	}
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Convenience constructors for common error patterns

// CompileFailed creates a generic compile failure for a function
func CompileFailed(fn uint32, mode fmt.Stringer, cause error) *Error {
	return New(PhaseCompile, KindCompileFailed).
		Function(fn).
		Mode(mode).
		Cause(cause).
		Build()
}

// OutOfMemory creates a compile failure caused by memory exhaustion
func OutOfMemory(fn uint32, mode fmt.Stringer, detail string) *Error {
	return New(PhaseCompile, KindOutOfMemory).
		Function(fn).
		Mode(mode).
		Detail(detail).
		Build()
}

// ResourceExhaustion creates an error for a buffer that cannot grow to size
func ResourceExhaustion(phase Phase, requested, limit int) *Error {
	return &Error{
		Phase:    phase,
		Kind:     KindResourceExhaustion,
		Function: NoFunction,
		Detail:   fmt.Sprintf("requested %d values, limit is %d", requested, limit),
		Value:    requested,
	}
}

// Invariant creates an invariant violation error
func Invariant(phase Phase, format string, args ...any) *Error {
	return New(phase, KindInvariant).Detail(format, args...).Build()
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, detail string) *Error {
	return &Error{
		Phase:    phase,
		Kind:     KindInvalidData,
		Function: NoFunction,
		Detail:   detail,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:    phase,
		Kind:     kind,
		Function: NoFunction,
		Detail:   detail,
		Cause:    cause,
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, what string, index, length int) *Error {
	return &Error{
		Phase:    phase,
		Kind:     KindOutOfBounds,
		Function: NoFunction,
		Detail:   fmt.Sprintf("%s %d out of bounds (length %d)", what, index, length),
		Value:    index,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:    phase,
		Kind:     KindUnsupported,
		Function: NoFunction,
		Detail:   what,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what string, key any) *Error {
	return &Error{
		Phase:    phase,
		Kind:     KindNotFound,
		Function: NoFunction,
		Detail:   fmt.Sprintf("%s %v not found", what, key),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:    phase,
		Kind:     KindInvalidInput,
		Function: NoFunction,
		Detail:   detail,
	}
}

// Closed creates an error for operations on a torn-down object
func Closed(phase Phase, what string) *Error {
	return &Error{
		Phase:    phase,
		Kind:     KindClosed,
		Function: NoFunction,
		Detail:   what + " is closed",
	}
}
