package tierup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	wasmtierup "github.com/wippyai/wasm-tierup"
	"github.com/wippyai/wasm-tierup/osr"
	"github.com/wippyai/wasm-tierup/wasm"
)

// Function indices of testModule. Index 0 is imported.
const (
	fnImported wasmtierup.FunctionIndex = iota
	fnSum
	fnWide
	fnNested
)

var sumCode = []byte{
	wasm.OpBlock, 0x40,
	wasm.OpLoop, 0x40,
	wasm.OpLocalGet, 1, wasm.OpLocalGet, 0, wasm.OpI32GeU, wasm.OpBrIf, 1,
	wasm.OpLocalGet, 2, wasm.OpLocalGet, 1, wasm.OpI32Add, wasm.OpLocalSet, 2,
	wasm.OpLocalGet, 1, wasm.OpI32Const, 1, wasm.OpI32Add, wasm.OpLocalSet, 1,
	wasm.OpBr, 0,
	wasm.OpEnd,
	wasm.OpEnd,
	wasm.OpLocalGet, 2,
	wasm.OpEnd,
}

const sumLoopPC = 2

func testModule() *wasm.Module {
	m := &wasm.Module{}
	i32 := []wasm.ValType{wasm.ValI32}
	unary := m.AddType(wasm.FuncType{Params: i32, Results: i32})
	void := m.AddType(wasm.FuncType{})
	m.ImportedFuncTypes = []uint32{void}

	m.AddFunction(unary, wasm.FuncBody{
		Locals: []wasm.LocalEntry{{Count: 2, Type: wasm.ValI32}},
		Code:   sumCode,
	})
	m.AddFunction(void, wasm.FuncBody{
		Locals: []wasm.LocalEntry{{Count: 10, Type: wasm.ValI64}},
		Code:   []byte{wasm.OpLoop, 0x40, wasm.OpEnd, wasm.OpEnd},
	})
	m.AddFunction(void, wasm.FuncBody{
		Code: []byte{
			wasm.OpTry, 0x40,
			wasm.OpLoop, 0x40, wasm.OpEnd,
			wasm.OpCatchAll,
			wasm.OpEnd,
			wasm.OpEnd,
		},
	})
	return m
}

type stubEntry struct{}

func (stubEntry) Call(context.Context, ...uint64) ([]uint64, error) { return nil, nil }

type stubLoop struct{}

func (stubLoop) Enter(_ context.Context, buf *osr.Buffer) ([]uint64, error) {
	buf.Release()
	return nil, nil
}

type compileKey struct {
	fn   wasmtierup.FunctionIndex
	mode wasmtierup.ExecutionMode
}

// fakeCompiler builds variants from the OSR analysis alone. gate, when set,
// holds every compile until it is closed.
type fakeCompiler struct {
	err     error
	gate    chan struct{}
	started chan compileKey
	mutate  func(*wasmtierup.Variant)
	calls   map[compileKey]int
	mu      sync.Mutex
	total   atomic.Int32
}

func newFakeCompiler() *fakeCompiler {
	return &fakeCompiler{calls: make(map[compileKey]int)}
}

func (fc *fakeCompiler) Compile(ctx context.Context, mod *wasm.Module, fn wasmtierup.FunctionIndex, mode wasmtierup.ExecutionMode) (*wasmtierup.Variant, error) {
	fc.total.Add(1)
	fc.mu.Lock()
	fc.calls[compileKey{fn, mode}]++
	fc.mu.Unlock()

	if fc.started != nil {
		fc.started <- compileKey{fn, mode}
	}
	if fc.gate != nil {
		select {
		case <-fc.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fc.err != nil {
		return nil, fc.err
	}

	table, err := osr.Analyze(mod, uint32(fn))
	if err != nil {
		return nil, err
	}
	loops := make(map[uint32]wasmtierup.LoopEntry, table.Len())
	for _, d := range table.Descriptors() {
		loops[d.LoopID] = stubLoop{}
	}
	v := &wasmtierup.Variant{
		Function:    fn,
		Mode:        mode,
		Entry:       stubEntry{},
		OSR:         table,
		FrameSize:   table.FrameSize(),
		LoopEntries: loops,
	}
	if fc.mutate != nil {
		fc.mutate(v)
	}
	return v, nil
}

func (fc *fakeCompiler) count(fn wasmtierup.FunctionIndex, mode wasmtierup.ExecutionMode) int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.calls[compileKey{fn, mode}]
}

// syncConfig compiles inline on the third execution.
func syncConfig() Config {
	cfg := DefaultConfig()
	cfg.Thresholds.WarmUp = 3
	cfg.Thresholds.Soon = 1
	cfg.Compile.Workers = 0
	cfg.Compile.SynchronousBelowBudget = true
	cfg.Compile.ConcurrencyBudget = 1
	return cfg
}

// asyncConfig compiles on one background worker.
func asyncConfig() Config {
	cfg := syncConfig()
	cfg.Compile.Workers = 1
	cfg.Compile.SynchronousBelowBudget = false
	return cfg
}

func newTestCoordinator(t *testing.T, cfg Config, compiler wasmtierup.Compiler, opts ...Option) (*Coordinator, *Instance) {
	t.Helper()
	c, err := New(cfg, compiler, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	inst, err := c.Instantiate(testModule())
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	return c, inst
}

func sumFrame() *Frame {
	return &Frame{Function: fnSum, PC: sumLoopPC, Locals: []uint64{10, 4, 6}}
}
