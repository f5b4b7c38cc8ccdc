package wasmtierup

import (
	"context"
	"fmt"

	"github.com/wippyai/wasm-tierup/errors"
	"github.com/wippyai/wasm-tierup/osr"
	"github.com/wippyai/wasm-tierup/wasm"
)

// FunctionIndex identifies a function in the module function index space.
// Imported functions come first and never tier up.
type FunctionIndex uint32

// ExecutionMode is the memory-addressing strategy a compiled variant targets.
// Variants for different modes are independent.
type ExecutionMode uint8

const (
	ModeBoundsChecked ExecutionMode = iota
	ModeSignaling

	// NumModes is the number of execution modes.
	NumModes = 2
)

func (m ExecutionMode) String() string {
	switch m {
	case ModeBoundsChecked:
		return "bounds-checked"
	case ModeSignaling:
		return "signaling"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// Valid reports whether m is a known mode.
func (m ExecutionMode) Valid() bool {
	return m < NumModes
}

// ParseExecutionMode parses the textual form produced by String.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch s {
	case "bounds-checked", "bounds", "":
		return ModeBoundsChecked, nil
	case "signaling", "signal":
		return ModeSignaling, nil
	}
	return 0, errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("unknown execution mode %q", s))
}

func (m ExecutionMode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, errors.InvalidInput(errors.PhaseConfig, m.String())
	}
	return []byte(m.String()), nil
}

func (m *ExecutionMode) UnmarshalText(text []byte) error {
	v, err := ParseExecutionMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// EntryPoint calls a compiled function from its beginning. Values use the
// raw uint64 encoding: i32 zero-extended, floats as IEEE bits.
type EntryPoint interface {
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// LoopEntry resumes a compiled function at a loop header from a transplant
// buffer. The entry takes ownership of buf.
type LoopEntry interface {
	Enter(ctx context.Context, buf *osr.Buffer) ([]uint64, error)
}

// Variant is a compiled function for one execution mode. It is immutable once
// published to a registry.
type Variant struct {
	Entry EntryPoint
	OSR   *osr.Table
	// LoopEntries maps loop ids to resumable entries. Loops missing here
	// cannot be entered mid-flight.
	LoopEntries map[uint32]LoopEntry
	Function    FunctionIndex
	FrameSize   uint32
	Mode        ExecutionMode
}

// LoopEntry returns the entry for loopID, if the variant has one.
func (v *Variant) LoopEntry(loopID uint32) (LoopEntry, bool) {
	if v == nil || v.LoopEntries == nil {
		return nil, false
	}
	e, ok := v.LoopEntries[loopID]
	return e, ok && e != nil
}

// Validate reports whether v is fully initialized.
func (v *Variant) Validate() error {
	switch {
	case v == nil:
		return errors.Invariant(errors.PhaseTierUp, "nil variant")
	case v.Entry == nil:
		return errors.Invariant(errors.PhaseTierUp, "variant for function %d has no entry point", v.Function)
	case v.OSR == nil:
		return errors.Invariant(errors.PhaseTierUp, "variant for function %d has no OSR table", v.Function)
	case v.FrameSize == 0 && v.OSR.FrameSize() != 0:
		return errors.Invariant(errors.PhaseTierUp, "variant for function %d has no frame size", v.Function)
	case !v.Mode.Valid():
		return errors.Invariant(errors.PhaseTierUp, "variant for function %d has unknown mode %d", v.Function, v.Mode)
	}
	for id := range v.LoopEntries {
		if _, ok := v.OSR.ByLoopID(id); !ok {
			return errors.Invariant(errors.PhaseTierUp, "variant for function %d has entry for unknown loop %d", v.Function, id)
		}
	}
	return nil
}

// Compiler is the optimizing tier. Compile is synchronous and may be called
// from any goroutine.
type Compiler interface {
	Compile(ctx context.Context, mod *wasm.Module, fn FunctionIndex, mode ExecutionMode) (*Variant, error)
}
