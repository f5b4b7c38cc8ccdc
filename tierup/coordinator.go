package tierup

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	wasmtierup "github.com/wippyai/wasm-tierup"
	"github.com/wippyai/wasm-tierup/errors"
	"github.com/wippyai/wasm-tierup/osr"
	"github.com/wippyai/wasm-tierup/wasm"
	"github.com/wippyai/wasm-tierup/worklist"
)

// Action tells the interpreter what to do after a hook.
type Action uint8

const (
	// ActionContinue keeps interpreting.
	ActionContinue Action = iota
	// ActionEnter calls Decision.Entry instead of interpreting the function.
	ActionEnter
	// ActionTransfer resumes at the loop header through Decision.Loop with
	// Decision.Buffer.
	ActionTransfer
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionEnter:
		return "enter"
	case ActionTransfer:
		return "transfer"
	}
	return "unknown"
}

// Decision is a hook's answer. Variant may be set on a continue decision so
// the caller can cache it.
type Decision struct {
	Variant *wasmtierup.Variant
	Entry   wasmtierup.EntryPoint
	Loop    wasmtierup.LoopEntry
	Buffer  *osr.Buffer
	Action  Action
}

// Frame is the interpreter's view of the activation reaching a hook.
type Frame struct {
	// Site is the call site cache, if the interpreter keeps one.
	Site            *CallSite
	Locals          []uint64
	Stack           []uint64
	ExceptionValues []uint64
	Function        wasmtierup.FunctionIndex
	// PC is the offset of the loop opcode at a back-edge.
	PC uint32
	// Depth is the interpreter call depth.
	Depth int
}

// StackLimit answers whether the current thread may use slots more value
// slots. It is the same query the interpreter uses for its own overflow
// check.
type StackLimit interface {
	HasHeadroom(ctx context.Context, f *Frame, slots int) bool
}

// StackLimitFunc adapts a function to StackLimit.
type StackLimitFunc func(ctx context.Context, f *Frame, slots int) bool

func (fn StackLimitFunc) HasHeadroom(ctx context.Context, f *Frame, slots int) bool {
	return fn(ctx, f, slots)
}

// DepthLimit reports overflow once the interpreter call depth reaches max.
func DepthLimit(max int) StackLimit {
	return StackLimitFunc(func(_ context.Context, f *Frame, _ int) bool {
		return f.Depth < max
	})
}

// PrecompileCallback receives the result of a host-requested compile.
type PrecompileCallback func(v *wasmtierup.Variant, err error)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWorklist makes the coordinator use w instead of creating its own.
// The caller keeps ownership of w.
func WithWorklist(w *worklist.Worklist) Option {
	return func(c *Coordinator) { c.worklist = w }
}

// WithScratchPool sets the transplant buffer pool.
func WithScratchPool(p *osr.Pool) Option {
	return func(c *Coordinator) { c.pool = p }
}

// WithStackLimit sets the stack headroom query. It replaces the
// Config.MaxDepth check.
func WithStackLimit(l StackLimit) Option {
	return func(c *Coordinator) { c.stack = l }
}

// WithLogger sets the coordinator's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// Coordinator answers the interpreter's tiering hooks. It holds no
// per-module state; that lives in the Instance passed to every call.
type Coordinator struct {
	compiler     wasmtierup.Compiler
	worklist     *worklist.Worklist
	pool         *osr.Pool
	stack        StackLimit
	log          *zap.Logger
	stats        counters
	cfg          Config
	closed       atomic.Bool
	ownsWorklist bool
}

// New creates a coordinator for cfg using compiler as the optimizing tier.
// Without WithStackLimit, hooks check Frame.Depth against cfg.MaxDepth; a
// zero MaxDepth disables the check.
func New(cfg Config, compiler wasmtierup.Compiler, opts ...Option) (*Coordinator, error) {
	if compiler == nil {
		return nil, errors.InvalidInput(errors.PhaseConfig, "nil compiler")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	limit, err := cfg.ScratchLimit()
	if err != nil {
		return nil, err
	}

	c := &Coordinator{cfg: cfg, compiler: compiler}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = Logger()
	}
	if c.pool == nil {
		c.pool = osr.NewPool(limit)
	}
	if c.stack == nil && cfg.MaxDepth > 0 {
		c.stack = DepthLimit(cfg.MaxDepth)
	}
	if c.worklist == nil {
		c.worklist = worklist.New(worklist.Config{Name: "tierup", Workers: cfg.Compile.Workers})
		c.ownsWorklist = true
	}
	c.log.Debug("coordinator created",
		zap.Stringer("mode", cfg.Mode),
		zap.Bool("enabled", cfg.Enabled),
		zap.Int("workers", cfg.Compile.Workers),
		zap.Int("scratch_limit", c.pool.Limit()))
	return c, nil
}

// Config returns the coordinator's configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Mode returns the execution mode hooks tier up to.
func (c *Coordinator) Mode() wasmtierup.ExecutionMode {
	return c.cfg.Mode
}

// Instantiate creates the tiering state for one instantiation of mod.
func (c *Coordinator) Instantiate(mod *wasm.Module) (*Instance, error) {
	if c.closed.Load() {
		return nil, errors.Closed(errors.PhaseTierUp, "coordinator")
	}
	if mod == nil {
		return nil, errors.InvalidInput(errors.PhaseTierUp, "nil module")
	}
	inst := newInstance(mod, &c.cfg)
	c.log.Debug("instance created", zap.Stringer("instance", inst.id), zap.Int("functions", len(mod.Funcs)))
	return inst, nil
}

// Close stops the coordinator's own worklist after draining it.
func (c *Coordinator) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.ownsWorklist {
		return c.worklist.Close()
	}
	return nil
}

// OnFunctionPrologue runs at function entry. With prologue tiering enabled
// an existing variant is entered right away; otherwise the execution is
// counted and may start a compile.
func (c *Coordinator) OnFunctionPrologue(ctx context.Context, inst *Instance, f *Frame) (Decision, error) {
	c.stats.prologues.Add(1)
	if !c.eligible(inst, f.Function) {
		return Decision{}, nil
	}
	if err := c.checkStack(ctx, f, 0); err != nil {
		return Decision{}, err
	}
	if c.cfg.OSR.Prologue {
		if v := c.lookup(inst, f); v != nil {
			return c.enter(v), nil
		}
	}

	v, err := c.consider(ctx, inst, f)
	if err != nil {
		return Decision{}, err
	}
	if v != nil && c.cfg.OSR.Prologue {
		return c.enter(v), nil
	}
	return Decision{Variant: v}, nil
}

// OnLoopBackEdge runs when the interpreter takes a back-edge to the loop
// whose opcode is at f.PC. It re-checks stack headroom, then either keeps
// interpreting or hands back a serialized transplant and the loop entry to
// transfer to.
func (c *Coordinator) OnLoopBackEdge(ctx context.Context, inst *Instance, f *Frame) (Decision, error) {
	c.stats.backEdges.Add(1)
	if !c.cfg.OSR.Loop || !c.eligible(inst, f.Function) {
		return Decision{}, nil
	}
	if err := c.checkStack(ctx, f, 0); err != nil {
		return Decision{}, err
	}

	v, err := c.consider(ctx, inst, f)
	if err != nil || v == nil {
		return Decision{Variant: v}, err
	}
	return c.transfer(ctx, inst, f, v)
}

// OnFunctionEpilogue runs at function exit. It counts the execution and may
// start a compile; a published variant is returned for call site caching.
func (c *Coordinator) OnFunctionEpilogue(ctx context.Context, inst *Instance, f *Frame) (Decision, error) {
	c.stats.epilogues.Add(1)
	if !c.cfg.OSR.Epilogue || !c.eligible(inst, f.Function) {
		return Decision{}, nil
	}
	if err := c.checkStack(ctx, f, 0); err != nil {
		return Decision{}, err
	}
	v, err := c.consider(ctx, inst, f)
	return Decision{Variant: v}, err
}

// Precompile compiles (fn, mode) on request of the embedder. With
// FinalizeManual the variant is handed to cb but not published; call
// Publish to link it. A (function, mode) that already finished reports its
// result to cb immediately and returns a nil job.
func (c *Coordinator) Precompile(ctx context.Context, inst *Instance, fn wasmtierup.FunctionIndex, mode wasmtierup.ExecutionMode, finalize worklist.Finalize, cb PrecompileCallback) (*worklist.Job, error) {
	if inst.Counter(fn) == nil {
		return nil, errors.New(errors.PhaseTierUp, errors.KindInvalidInput).
			Function(uint32(fn)).
			Detail("not a defined function").
			Build()
	}
	if !mode.Valid() {
		return nil, errors.InvalidInput(errors.PhaseTierUp, "unknown execution mode "+mode.String())
	}
	if cb == nil {
		cb = func(*wasmtierup.Variant, error) {}
	}

	status, began := inst.tracker.Begin(fn, mode)
	if !began {
		switch status {
		case Compiled:
			cb(inst.registry.ReplacementSlow(fn, mode), nil)
			return nil, nil
		case Failed:
			_, err := inst.tracker.Status(fn, mode)
			cb(nil, err)
			return nil, err
		}
		return nil, errors.New(errors.PhaseTierUp, errors.KindInvalidInput).
			Function(uint32(fn)).
			Mode(mode).
			Detail("compile already in flight").
			Build()
	}

	var result *wasmtierup.Variant
	job := worklist.NewJob(worklist.KindHostRequest, fn, mode,
		c.plan(inst, func(v *wasmtierup.Variant) { result = v }),
		worklist.WithKeepAlive(inst.retain()),
		worklist.WithFinalize(finalize),
		worklist.WithCallback(func(_ *worklist.Job, err error) {
			if err != nil {
				cb(nil, err)
				return
			}
			cb(result, nil)
		}))

	c.stats.compiles.Add(1)
	if err := c.worklist.Enqueue(job); err != nil {
		c.fail(inst, fn, mode, err)
		return nil, err
	}
	return job, nil
}

// Wait blocks until job finishes, running it on the caller if it is still
// queued.
func (c *Coordinator) Wait(ctx context.Context, job *worklist.Job) error {
	return c.worklist.WaitForCompletion(ctx, job)
}

// Drain runs queued compiles on the caller and waits for the ones running
// elsewhere. A positive timeout bounds the wait.
func (c *Coordinator) Drain(ctx context.Context, timeout time.Duration) error {
	return c.worklist.RunUntilIdle(ctx, timeout)
}

// Publish links a variant produced by a FinalizeManual request.
func (c *Coordinator) Publish(inst *Instance, v *wasmtierup.Variant) error {
	if v == nil {
		return errors.InvalidInput(errors.PhaseTierUp, "nil variant")
	}
	if st, _ := inst.tracker.Status(v.Function, v.Mode); st != Compiling {
		return errors.New(errors.PhaseTierUp, errors.KindInvariant).
			Function(uint32(v.Function)).
			Mode(v.Mode).
			Detail("publish with status %s", st).
			Build()
	}
	return c.publish(inst, v)
}

func (c *Coordinator) eligible(inst *Instance, fn wasmtierup.FunctionIndex) bool {
	return c.cfg.Enabled && inst != nil && c.cfg.Filter.Allows(fn) && inst.Counter(fn) != nil
}

func (c *Coordinator) checkStack(ctx context.Context, f *Frame, slots int) error {
	if c.stack == nil || c.stack.HasHeadroom(ctx, f, slots) {
		return nil
	}
	c.stats.stackOverflows.Add(1)
	return errors.ErrStackOverflow
}

// lookup returns a variant already available without counting.
func (c *Coordinator) lookup(inst *Instance, f *Frame) *wasmtierup.Variant {
	if v := f.Site.cached(f.Function, c.cfg.Mode); v != nil {
		return v
	}
	v := inst.registry.Replacement(f.Function, c.cfg.Mode)
	if v != nil {
		f.Site.resolve(v, Compiled)
	}
	return v
}

func (c *Coordinator) enter(v *wasmtierup.Variant) Decision {
	c.stats.entries.Add(1)
	return Decision{Action: ActionEnter, Variant: v, Entry: v.Entry}
}

// consider counts one execution and decides whether to compile. It returns
// a variant when one is available to use now.
func (c *Coordinator) consider(ctx context.Context, inst *Instance, f *Frame) (*wasmtierup.Variant, error) {
	fn, mode := f.Function, c.cfg.Mode
	if v := c.lookup(inst, f); v != nil {
		return v, nil
	}
	f.Site.consider()

	if trap := inst.tracker.TakeTrap(fn, mode); trap != nil {
		c.stats.traps.Add(1)
		f.Site.resolve(nil, Failed)
		return nil, trap
	}

	counter := inst.Counter(fn)
	counter.Increment()
	if !counter.CheckIfOptimizationThresholdReached() {
		if f.Site != nil && f.Site.State() == SiteCompiling {
			st, _ := inst.tracker.Status(fn, mode)
			var v *wasmtierup.Variant
			if st == Compiled {
				v = inst.registry.ReplacementSlow(fn, mode)
			}
			f.Site.resolve(v, st)
			return v, nil
		}
		f.Site.resolve(nil, NotCompiled)
		return nil, nil
	}

	status, began := inst.tracker.Begin(fn, mode)
	if !began {
		var v *wasmtierup.Variant
		switch status {
		case Compiled:
			v = inst.registry.ReplacementSlow(fn, mode)
		case Failed:
			counter.DeferIndefinitely()
		}
		f.Site.resolve(v, status)
		return v, nil
	}
	f.Site.resolve(nil, Compiling)
	return c.startCompile(ctx, inst, f)
}

// startCompile enqueues a tier-up job for a (function, mode) the caller
// just moved to Compiling, and runs it inline when policy asks for a
// synchronous compile.
func (c *Coordinator) startCompile(ctx context.Context, inst *Instance, f *Frame) (*wasmtierup.Variant, error) {
	fn, mode := f.Function, c.cfg.Mode
	sync := c.cfg.Compile.SynchronousBelowBudget && c.worklist.InFlight() < c.cfg.Compile.ConcurrencyBudget

	job := worklist.NewJob(worklist.KindTierUp, fn, mode, c.plan(inst, nil), worklist.WithKeepAlive(inst.retain()))
	c.stats.compiles.Add(1)
	c.log.Debug("tier-up triggered",
		zap.Stringer("job", job.ID()),
		zap.Uint32("function", uint32(fn)),
		zap.Stringer("mode", mode),
		zap.Bool("sync", sync))

	if err := c.worklist.Enqueue(job); err != nil {
		c.fail(inst, fn, mode, err)
		f.Site.resolve(nil, Failed)
		return nil, nil
	}
	if !sync {
		return nil, nil
	}

	c.stats.syncCompiles.Add(1)
	if err := c.worklist.WaitForCompletion(ctx, job); err != nil {
		if trap := inst.tracker.TakeTrap(fn, mode); trap != nil {
			c.stats.traps.Add(1)
			f.Site.resolve(nil, Failed)
			return nil, trap
		}
		st, _ := inst.tracker.Status(fn, mode)
		f.Site.resolve(nil, st)
		return nil, nil
	}

	v := inst.registry.ReplacementSlow(fn, mode)
	f.Site.resolve(v, Compiled)
	return v, nil
}

// plan builds the job body: compile, then publish unless the job is
// finalized manually. onResult sees the variant before publication.
func (c *Coordinator) plan(inst *Instance, onResult func(*wasmtierup.Variant)) worklist.Plan {
	return func(ctx context.Context, job *worklist.Job) error {
		fn, mode := job.Function(), job.Mode()
		v, err := c.build(ctx, inst, fn, mode)
		if err != nil {
			c.fail(inst, fn, mode, err)
			return err
		}
		if onResult != nil {
			onResult(v)
		}
		if job.Finalize() == worklist.FinalizeManual {
			return nil
		}
		return c.publish(inst, v)
	}
}

func (c *Coordinator) build(ctx context.Context, inst *Instance, fn wasmtierup.FunctionIndex, mode wasmtierup.ExecutionMode) (*wasmtierup.Variant, error) {
	table, err := inst.Table(fn)
	if err != nil {
		return nil, errors.CompileFailed(uint32(fn), mode, err)
	}

	v, err := c.compile(ctx, inst.module, fn, mode)
	if err != nil {
		switch errors.KindOf(err) {
		case errors.KindOutOfMemory, errors.KindCompileFailed:
			return nil, err
		}
		return nil, errors.CompileFailed(uint32(fn), mode, err)
	}
	if v == nil {
		return nil, errors.Invariant(errors.PhaseCompile, "compiler returned no variant for function %d", fn)
	}
	if v.Function != fn || v.Mode != mode {
		return nil, errors.Invariant(errors.PhaseCompile, "requested function %d (%s), compiler returned function %d (%s)", fn, mode, v.Function, v.Mode)
	}
	if v.OSR == nil {
		v.OSR = table
	}
	if v.FrameSize == 0 {
		v.FrameSize = table.FrameSize()
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

// compile calls the compiler, turning a panic into a compile failure so the
// (function, mode) still reaches Failed.
func (c *Coordinator) compile(ctx context.Context, mod *wasm.Module, fn wasmtierup.FunctionIndex, mode wasmtierup.ExecutionMode) (v *wasmtierup.Variant, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("compiler panicked",
				zap.Uint32("function", uint32(fn)),
				zap.Stringer("mode", mode),
				zap.Any("panic", r),
				zap.Stack("stack"))
			v, err = nil, errors.New(errors.PhaseCompile, errors.KindCompileFailed).
				Function(uint32(fn)).
				Mode(mode).
				Value(r).
				Detail("compiler panic: %v", r).
				Build()
		}
	}()
	return c.compiler.Compile(ctx, mod, fn, mode)
}

// publish links v into the registry and then marks it Compiled. The two
// steps take the registry and tracker locks one after the other, never
// nested.
func (c *Coordinator) publish(inst *Instance, v *wasmtierup.Variant) error {
	if !inst.Alive() {
		c.log.Debug("discarding variant for closed instance",
			zap.Stringer("instance", inst.id),
			zap.Uint32("function", uint32(v.Function)))
		return errors.Closed(errors.PhaseTierUp, "instance")
	}
	if err := inst.registry.SetReplacement(v); err != nil {
		c.fail(inst, v.Function, v.Mode, err)
		return err
	}
	if err := inst.tracker.Complete(v.Function, v.Mode); err != nil {
		c.invariant(err)
		return err
	}
	c.log.Debug("variant published",
		zap.Uint32("function", uint32(v.Function)),
		zap.Stringer("mode", v.Mode),
		zap.Int("loops", v.OSR.Len()))
	return nil
}

func (c *Coordinator) fail(inst *Instance, fn wasmtierup.FunctionIndex, mode wasmtierup.ExecutionMode, err error) {
	c.stats.failures.Add(1)
	ferr := inst.tracker.Fail(fn, mode, err)
	if errors.KindOf(err) == errors.KindInvariant {
		c.invariant(err)
	} else {
		c.log.Info("compile failed",
			zap.Uint32("function", uint32(fn)),
			zap.Stringer("mode", mode),
			zap.Error(err))
	}
	if ferr != nil {
		c.invariant(ferr)
	}
}

// invariant reports a broken internal contract. Development loggers panic;
// production ones log and the caller falls back to interpreting.
func (c *Coordinator) invariant(err error) {
	c.stats.invariants.Add(1)
	c.log.DPanic("tier-up invariant violated", zap.Error(err))
}

func (c *Coordinator) transfer(ctx context.Context, inst *Instance, f *Frame, v *wasmtierup.Variant) (Decision, error) {
	keep := Decision{Variant: v}

	table, err := inst.Table(f.Function)
	if err != nil {
		c.stats.declined.Add(1)
		return keep, nil
	}
	desc, ok := table.Lookup(f.PC)
	if !ok {
		c.invariant(errors.NotFound(errors.PhaseOSR, "loop header at offset", f.PC))
		return keep, nil
	}
	if theirs, ok := v.OSR.ByLoopID(desc.LoopID); !ok || theirs != desc {
		c.invariant(errors.Invariant(errors.PhaseOSR, "function %d loop %d: compiled descriptor %+v, interpreter descriptor %+v", f.Function, desc.LoopID, theirs, desc))
		return keep, nil
	}
	entry, ok := v.LoopEntry(desc.LoopID)
	if !ok {
		c.stats.declined.Add(1)
		return keep, nil
	}
	if err := c.checkStack(ctx, f, desc.Size()); err != nil {
		return Decision{}, err
	}

	buf, err := c.pool.ScratchBufferForSize(desc.Size())
	if err != nil {
		c.stats.declined.Add(1)
		c.log.Debug("OSR transfer declined",
			zap.Uint32("function", uint32(f.Function)),
			zap.Uint32("loop", desc.LoopID),
			zap.Error(err))
		return keep, nil
	}
	state := osr.State{Locals: f.Locals, ExceptionValues: f.ExceptionValues, Stack: f.Stack}
	if err := osr.Serialize(desc, state, buf); err != nil {
		buf.Release()
		if errors.KindOf(err) == errors.KindInvariant {
			c.invariant(err)
		} else {
			c.stats.declined.Add(1)
		}
		return keep, nil
	}

	c.stats.transfers.Add(1)
	return Decision{Action: ActionTransfer, Variant: v, Loop: entry, Buffer: buf}, nil
}
