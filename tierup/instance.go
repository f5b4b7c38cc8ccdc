package tierup

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	wasmtierup "github.com/wippyai/wasm-tierup"
	"github.com/wippyai/wasm-tierup/errors"
	"github.com/wippyai/wasm-tierup/osr"
	"github.com/wippyai/wasm-tierup/wasm"
)

type lazyTable struct {
	table *osr.Table
	err   error
	once  sync.Once
}

// Instance holds the tiering state of one module instantiation: a counter
// and an OSR table per defined function, the status tracker and the variant
// registry. Nothing here is global; every hook receives the instance.
type Instance struct {
	module   *wasm.Module
	tracker  *Tracker
	registry *Registry
	counters []*Counter
	tables   []lazyTable
	refs     atomic.Int64
	id       uuid.UUID
	alive    atomic.Bool
}

func newInstance(mod *wasm.Module, cfg *Config) *Instance {
	n := len(mod.Funcs)
	inst := &Instance{
		id:       uuid.New(),
		module:   mod,
		tracker:  NewTracker(),
		registry: NewRegistry(),
		counters: make([]*Counter, n),
		tables:   make([]lazyTable, n),
	}
	for i := range inst.counters {
		inst.counters[i] = NewCounter(cfg.Thresholds.WarmUp, cfg.Thresholds.Soon)
	}
	inst.alive.Store(true)
	return inst
}

// ID identifies the instance in logs.
func (i *Instance) ID() uuid.UUID { return i.id }

// Module returns the module the instance was created from.
func (i *Instance) Module() *wasm.Module { return i.module }

// Tracker returns the instance's compile status tracker.
func (i *Instance) Tracker() *Tracker { return i.tracker }

// Registry returns the instance's variant registry.
func (i *Instance) Registry() *Registry { return i.registry }

func (i *Instance) defined(fn wasmtierup.FunctionIndex) (int, bool) {
	imported := i.module.NumImportedFuncs()
	if uint32(fn) < imported {
		return 0, false
	}
	idx := int(uint32(fn) - imported)
	return idx, idx < len(i.counters)
}

// Counter returns the counter of a defined function, or nil.
func (i *Instance) Counter(fn wasmtierup.FunctionIndex) *Counter {
	idx, ok := i.defined(fn)
	if !ok {
		return nil
	}
	return i.counters[idx]
}

// Table returns the OSR descriptor table of a defined function, analyzing
// the body on first use.
func (i *Instance) Table(fn wasmtierup.FunctionIndex) (*osr.Table, error) {
	idx, ok := i.defined(fn)
	if !ok {
		return nil, errors.New(errors.PhaseTierUp, errors.KindNotFound).
			Function(uint32(fn)).
			Detail("not a defined function").
			Build()
	}
	lt := &i.tables[idx]
	lt.once.Do(func() {
		lt.table, lt.err = osr.Analyze(i.module, uint32(fn))
	})
	return lt.table, lt.err
}

// Alive reports whether results may still be linked into the instance.
func (i *Instance) Alive() bool {
	return i.alive.Load()
}

// Close tears the instance down. Jobs still running for it finish and
// discard their results.
func (i *Instance) Close() {
	i.alive.Store(false)
}

// Retained returns the number of outstanding keep-alive handles.
func (i *Instance) Retained() int64 {
	return i.refs.Load()
}

// retain returns a keep-alive handle for a compile job.
func (i *Instance) retain() *keepAlive {
	i.refs.Add(1)
	return &keepAlive{inst: i}
}

type keepAlive struct {
	inst     *Instance
	released atomic.Bool
}

func (k *keepAlive) Release() {
	if k.released.CompareAndSwap(false, true) {
		k.inst.refs.Add(-1)
	}
}
