package backend

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/docker/go-units"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	wasmtierup "github.com/wippyai/wasm-tierup"
	"github.com/wippyai/wasm-tierup/errors"
	"github.com/wippyai/wasm-tierup/osr"
	"github.com/wippyai/wasm-tierup/wasm"
)

// Config holds configuration for the wazero tier
type Config struct {
	// CodeBudget caps the executable code charged to compiled variants, as a
	// human size ("64MiB"). Empty means unlimited. A compile that does not
	// fit fails with an out-of-memory error.
	CodeBudget string

	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means the wazero default.
	MemoryLimitPages uint32
}

func functionExport(fn uint32) string {
	return fmt.Sprintf("tierup$f%d", fn)
}

func loopExport(fn, loop uint32) string {
	return fmt.Sprintf("tierup$osr%d_%d", fn, loop)
}

// Wazero is a wasmtierup.Compiler backed by the wazero native compiler.
type Wazero struct {
	cache   wazero.CompilationCache
	modules map[*wasm.Module]*moduleState
	log     *zap.Logger
	cfg     Config
	budget  int64
	used    atomic.Int64
	mu      sync.Mutex
	closed  bool
}

// NewWazero creates the wazero tier. Compiled code is cached across modes
// and modules for the lifetime of the compiler.
func NewWazero(ctx context.Context, cfg Config) (*Wazero, error) {
	var budget int64
	if cfg.CodeBudget != "" {
		b, err := units.RAMInBytes(cfg.CodeBudget)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "code budget")
		}
		if b <= 0 {
			return nil, errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("code budget %q must be positive", cfg.CodeBudget))
		}
		budget = b
	}
	return &Wazero{
		cache:   wazero.NewCompilationCache(),
		modules: make(map[*wasm.Module]*moduleState),
		log:     Logger(),
		cfg:     cfg,
		budget:  budget,
	}, nil
}

// Used returns the code bytes charged so far.
func (w *Wazero) Used() int64 {
	return w.used.Load()
}

// Compile returns the variant of fn for mode. The module is augmented and
// compiled for mode on the first request; later requests only charge the
// function's code against the budget. Functions that reach imports, memory,
// tables or globals are rejected with an unsupported error.
func (w *Wazero) Compile(ctx context.Context, mod *wasm.Module, fn wasmtierup.FunctionIndex, mode wasmtierup.ExecutionMode) (*wasmtierup.Variant, error) {
	if mod.IsImported(uint32(fn)) || uint32(fn) >= mod.NumFuncs() {
		return nil, errors.New(errors.PhaseCompile, errors.KindInvalidInput).
			Function(uint32(fn)).
			Mode(mode).
			Detail("not a defined function").
			Build()
	}
	if !mode.Valid() {
		return nil, errors.InvalidInput(errors.PhaseCompile, "unknown execution mode "+mode.String())
	}
	if err := isolated(mod, uint32(fn)); err != nil {
		return nil, errors.New(errors.PhaseCompile, errors.KindUnsupported).
			Function(uint32(fn)).
			Mode(mode).
			Cause(err).
			Detail("compiled code would not share the interpreter's instance state").
			Build()
	}

	ms, err := w.module(mod)
	if err != nil {
		return nil, err
	}
	table, err := osr.Analyze(mod, uint32(fn))
	if err != nil {
		return nil, errors.CompileFailed(uint32(fn), mode, err)
	}
	if err := w.charge(fn, mode, ms.cost(uint32(fn))); err != nil {
		return nil, err
	}

	cm, err := ms.compiled(ctx, w, mode)
	if err != nil {
		w.used.Add(-ms.cost(uint32(fn)))
		return nil, errors.CompileFailed(uint32(fn), mode, err)
	}

	v := &wasmtierup.Variant{
		Function:  fn,
		Mode:      mode,
		Entry:     &entry{mode: cm, name: functionExport(uint32(fn))},
		OSR:       table,
		FrameSize: table.FrameSize(),
	}
	for _, d := range table.Descriptors() {
		if !d.TopLevel {
			continue
		}
		if v.LoopEntries == nil {
			v.LoopEntries = make(map[uint32]wasmtierup.LoopEntry)
		}
		v.LoopEntries[d.LoopID] = &loopEntry{
			entry: entry{mode: cm, name: loopExport(uint32(fn), d.LoopID)},
			desc:  d,
		}
	}

	w.log.Debug("variant compiled",
		zap.Uint32("function", uint32(fn)),
		zap.Stringer("mode", mode),
		zap.Int("loop_entries", len(v.LoopEntries)),
		zap.String("code_used", units.BytesSize(float64(w.used.Load()))))
	return v, nil
}

// charge reserves cost bytes of the code budget.
func (w *Wazero) charge(fn wasmtierup.FunctionIndex, mode wasmtierup.ExecutionMode, cost int64) error {
	if w.budget == 0 {
		w.used.Add(cost)
		return nil
	}
	for {
		used := w.used.Load()
		if used+cost > w.budget {
			return errors.OutOfMemory(uint32(fn), mode, fmt.Sprintf("code budget %s exhausted: %s in use, %s requested",
				units.BytesSize(float64(w.budget)),
				units.BytesSize(float64(used)),
				units.BytesSize(float64(cost))))
		}
		if w.used.CompareAndSwap(used, used+cost) {
			return nil
		}
	}
}

func (w *Wazero) module(mod *wasm.Module) (*moduleState, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, errors.Closed(errors.PhaseCompile, "wazero backend")
	}
	ms, ok := w.modules[mod]
	if !ok {
		ms = newModuleState(mod)
		w.modules[mod] = ms
	}
	return ms, nil
}

func (w *Wazero) runtimeConfig(mode wasmtierup.ExecutionMode) wazero.RuntimeConfig {
	cfg := wazero.NewRuntimeConfig().WithCompilationCache(w.cache)
	if w.cfg.MemoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(w.cfg.MemoryLimitPages)
	}
	// Signaling code reserves the whole memory up front so accesses can rely
	// on the reservation instead of explicit checks.
	return cfg.WithMemoryCapacityFromMax(mode == wasmtierup.ModeSignaling)
}

// Close releases every runtime and the compilation cache.
func (w *Wazero) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	modules := w.modules
	w.modules = nil
	w.mu.Unlock()

	var err error
	for _, ms := range modules {
		err = multierr.Append(err, ms.close(ctx))
	}
	return multierr.Append(err, w.cache.Close(ctx))
}

// moduleState is the augmented binary of one module and its per-mode
// compilations.
type moduleState struct {
	augmentErr error
	module     *wasm.Module
	costs      []int64
	binary     []byte
	modes      [wasmtierup.NumModes]*modeState
	augment    sync.Once
}

func newModuleState(mod *wasm.Module) *moduleState {
	ms := &moduleState{module: mod}
	for i := range ms.modes {
		ms.modes[i] = &modeState{}
	}
	return ms
}

// cost is the code size charged for one function, its loop entries
// included.
func (ms *moduleState) cost(fn uint32) int64 {
	ms.build()
	idx := fn - ms.module.NumImportedFuncs()
	if ms.costs == nil || int(idx) >= len(ms.costs) {
		return 0
	}
	return ms.costs[idx]
}

func (ms *moduleState) build() {
	ms.augment.Do(func() {
		ms.binary, ms.costs, ms.augmentErr = augment(ms.module)
	})
}

func (ms *moduleState) compiled(ctx context.Context, w *Wazero, mode wasmtierup.ExecutionMode) (*modeState, error) {
	ms.build()
	if ms.augmentErr != nil {
		return nil, ms.augmentErr
	}
	st := ms.modes[mode]
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.err != nil {
		return nil, st.err
	}
	if st.compiled != nil {
		return st, nil
	}

	rt := wazero.NewRuntimeWithConfig(ctx, w.runtimeConfig(mode))
	cm, err := rt.CompileModule(ctx, ms.binary)
	if err != nil {
		st.err = fmt.Errorf("compile %s: %w", mode, err)
		_ = rt.Close(ctx)
		return nil, st.err
	}
	st.runtime = rt
	st.compiled = cm
	w.log.Debug("module compiled", zap.Stringer("mode", mode), zap.Int("bytes", len(ms.binary)))
	return st, nil
}

func (ms *moduleState) close(ctx context.Context) error {
	var err error
	for _, st := range ms.modes {
		st.mu.Lock()
		if st.runtime != nil {
			err = multierr.Append(err, st.runtime.Close(ctx))
			st.runtime = nil
			st.instance = nil
		}
		st.mu.Unlock()
	}
	return err
}

// augment exports every defined function and adds an entry function for
// every top-level loop. The entry takes all locals of the original function
// as parameters, so a transplant buffer maps onto its arguments one to one.
func augment(mod *wasm.Module) ([]byte, []int64, error) {
	out := mod.Clone()
	imported := mod.NumImportedFuncs()
	costs := make([]int64, len(mod.Code))

	for i := range mod.Code {
		fn := imported + uint32(i)
		body := &mod.Code[i]
		out.AddExport(functionExport(fn), fn)
		costs[i] = int64(len(body.Code))

		table, err := osr.Analyze(mod, fn)
		if err != nil {
			// Functions the analysis rejects are still entered from their
			// prologue; they just get no loop entries.
			Logger().Debug("no loop entries", zap.Uint32("function", fn), zap.Error(err))
			continue
		}
		ft, err := mod.FuncType(fn)
		if err != nil {
			return nil, nil, err
		}
		entryType := out.AddType(wasm.FuncType{
			Params:  append(append([]wasm.ValType(nil), ft.Params...), body.LocalTypes()...),
			Results: ft.Results,
		})
		for _, d := range table.Descriptors() {
			if !d.TopLevel {
				continue
			}
			code := body.Code[d.Offset:]
			entry := out.AddFunction(entryType, wasm.FuncBody{Code: code})
			out.AddExport(loopExport(fn, d.LoopID), entry)
			costs[i] += int64(len(code))
		}
	}
	return out.Encode(), costs, nil
}

// modeState is one mode's compilation of an augmented module. The instance
// is created on the first call.
type modeState struct {
	err      error
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	instance api.Module
	mu       sync.Mutex
}

func (st *modeState) function(ctx context.Context, name string) (api.Function, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.runtime == nil {
		return nil, errors.Closed(errors.PhaseRuntime, "wazero backend")
	}
	if st.instance == nil {
		inst, err := st.runtime.InstantiateModule(ctx, st.compiled, wazero.NewModuleConfig().WithName(""))
		if err != nil {
			return nil, errors.Wrap(errors.PhaseRuntime, errors.KindInvalidData, err, "instantiate compiled module")
		}
		st.instance = inst
	}
	fn := st.instance.ExportedFunction(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "export", name)
	}
	return fn, nil
}

type entry struct {
	mode *modeState
	name string
}

func (e *entry) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	fn, err := e.mode.function(ctx, e.name)
	if err != nil {
		return nil, err
	}
	return fn.Call(ctx, params...)
}

type loopEntry struct {
	entry
	desc osr.Descriptor
}

// Enter deserializes buf into the entry function's arguments and releases
// it before running the loop.
func (l *loopEntry) Enter(ctx context.Context, buf *osr.Buffer) ([]uint64, error) {
	st, err := osr.Deserialize(l.desc, buf)
	if err != nil {
		buf.Release()
		return nil, err
	}
	params := append([]uint64(nil), st.Locals...)
	buf.Release()
	return l.Call(ctx, params...)
}
