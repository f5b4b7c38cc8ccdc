package tierup

import (
	"context"
	"sync"

	wasmtierup "github.com/wippyai/wasm-tierup"
	"github.com/wippyai/wasm-tierup/errors"
)

// Status is the compile state of one (function, mode).
type Status uint8

const (
	NotCompiled Status = iota
	Compiling
	Compiled
	Failed
)

func (s Status) String() string {
	switch s {
	case NotCompiled:
		return "not-compiled"
	case Compiling:
		return "compiling"
	case Compiled:
		return "compiled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether s can never change again.
func (s Status) Terminal() bool {
	return s == Compiled || s == Failed
}

type statusKey struct {
	fn   wasmtierup.FunctionIndex
	mode wasmtierup.ExecutionMode
}

type statusEntry struct {
	err       error
	status    Status
	trapTaken bool
}

// Tracker is the compile state machine for one instance. Every read and
// write happens under its lock; Wait blocks on a condition variable tied to
// the same lock.
type Tracker struct {
	entries map[statusKey]*statusEntry
	cond    *sync.Cond
	mu      sync.Mutex
}

// NewTracker creates an empty tracker. Entries appear lazily.
func NewTracker() *Tracker {
	t := &Tracker{entries: make(map[statusKey]*statusEntry)}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *Tracker) entry(fn wasmtierup.FunctionIndex, mode wasmtierup.ExecutionMode) *statusEntry {
	k := statusKey{fn, mode}
	e, ok := t.entries[k]
	if !ok {
		e = &statusEntry{}
		t.entries[k] = e
	}
	return e
}

// Status returns the current status and, for Failed, the retained error.
func (t *Tracker) Status(fn wasmtierup.FunctionIndex, mode wasmtierup.ExecutionMode) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[statusKey{fn, mode}]
	if !ok {
		return NotCompiled, nil
	}
	return e.status, e.err
}

// Begin moves NotCompiled to Compiling. It reports the status it observed
// and whether the caller now owns the compile.
func (t *Tracker) Begin(fn wasmtierup.FunctionIndex, mode wasmtierup.ExecutionMode) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(fn, mode)
	if e.status != NotCompiled {
		return e.status, false
	}
	e.status = Compiling
	return Compiling, true
}

// Complete moves Compiling to Compiled.
func (t *Tracker) Complete(fn wasmtierup.FunctionIndex, mode wasmtierup.ExecutionMode) error {
	return t.finish(fn, mode, Compiled, nil)
}

// Fail moves Compiling to Failed and retains err for later callers.
func (t *Tracker) Fail(fn wasmtierup.FunctionIndex, mode wasmtierup.ExecutionMode, err error) error {
	if err == nil {
		err = errors.CompileFailed(uint32(fn), mode, nil)
	}
	return t.finish(fn, mode, Failed, err)
}

func (t *Tracker) finish(fn wasmtierup.FunctionIndex, mode wasmtierup.ExecutionMode, to Status, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(fn, mode)
	if e.status != Compiling {
		return errors.New(errors.PhaseTierUp, errors.KindInvariant).
			Function(uint32(fn)).
			Mode(mode).
			Detail("status %s cannot move to %s", e.status, to).
			Build()
	}
	e.status = to
	e.err = err
	t.cond.Broadcast()
	return nil
}

// Wait blocks until (fn, mode) reaches a terminal status or ctx is done.
func (t *Tracker) Wait(ctx context.Context, fn wasmtierup.FunctionIndex, mode wasmtierup.ExecutionMode) (Status, error) {
	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		e := t.entry(fn, mode)
		if e.status.Terminal() {
			return e.status, e.err
		}
		if err := ctx.Err(); err != nil {
			return e.status, err
		}
		t.cond.Wait()
	}
}

// TakeTrap hands out a retained out-of-memory failure as a trap. It returns
// the trap once and nil afterwards.
func (t *Tracker) TakeTrap(fn wasmtierup.FunctionIndex, mode wasmtierup.ExecutionMode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[statusKey{fn, mode}]
	if !ok || e.status != Failed || e.trapTaken || !errors.IsOutOfMemory(e.err) {
		return nil
	}
	e.trapTaken = true
	return errors.OutOfMemoryTrap(e.err)
}

// Counts returns how many entries are in each status.
func (t *Tracker) Counts() map[Status]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[Status]int, 4)
	for _, e := range t.entries {
		out[e.status]++
	}
	return out
}
