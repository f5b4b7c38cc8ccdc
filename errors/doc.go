// Package errors provides structured error types for the tier-up layer.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the function index and execution mode it concerns, a
// detail message and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseCompile, errors.KindCompileFailed).
//		Function(7).
//		Mode(mode).
//		Detail("backend rejected body").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.OutOfMemory(7, mode, "executable memory budget exhausted")
//	err := errors.ResourceExhaustion(errors.PhaseOSR, 10, 8)
//
// Only Trap values are meant to reach the running program: stack exhaustion
// detected while tiering (ErrStackOverflow) and out-of-memory compile
// failures (OutOfMemoryTrap). All other errors are absorbed by falling back
// to interpretation.
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
