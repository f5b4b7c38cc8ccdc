package backend

import (
	"context"

	wasmtierup "github.com/wippyai/wasm-tierup"
	"github.com/wippyai/wasm-tierup/osr"
	"github.com/wippyai/wasm-tierup/wasm"
)

// Func adapts a function to wasmtierup.Compiler.
type Func func(ctx context.Context, mod *wasm.Module, fn wasmtierup.FunctionIndex, mode wasmtierup.ExecutionMode) (*wasmtierup.Variant, error)

func (f Func) Compile(ctx context.Context, mod *wasm.Module, fn wasmtierup.FunctionIndex, mode wasmtierup.ExecutionMode) (*wasmtierup.Variant, error) {
	return f(ctx, mod, fn, mode)
}

// EntryFunc adapts a function to wasmtierup.EntryPoint.
type EntryFunc func(ctx context.Context, params ...uint64) ([]uint64, error)

func (f EntryFunc) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	return f(ctx, params...)
}

// LoopFunc adapts a function to wasmtierup.LoopEntry. The function receives
// the deserialized state; the buffer is released before it runs.
type LoopFunc struct {
	Fn   func(ctx context.Context, st osr.State) ([]uint64, error)
	Desc osr.Descriptor
}

func (l LoopFunc) Enter(ctx context.Context, buf *osr.Buffer) ([]uint64, error) {
	st, err := osr.Deserialize(l.Desc, buf)
	if err != nil {
		buf.Release()
		return nil, err
	}
	st = osr.State{
		Locals:          append([]uint64(nil), st.Locals...),
		ExceptionValues: append([]uint64(nil), st.ExceptionValues...),
		Stack:           append([]uint64(nil), st.Stack...),
	}
	buf.Release()
	return l.Fn(ctx, st)
}
