package tierup

import (
	"sort"
	"sync"

	"github.com/launix-de/NonLockingReadMap"

	wasmtierup "github.com/wippyai/wasm-tierup"
	"github.com/wippyai/wasm-tierup/errors"
)

type registryEntry struct {
	variant *wasmtierup.Variant
	key     uint64
}

/* implement NonLockingReadMap */
func (e registryEntry) GetKey() uint64 {
	return e.key
}

func (e registryEntry) ComputeSize() uint {
	return 16
}

func variantKey(fn wasmtierup.FunctionIndex, mode wasmtierup.ExecutionMode) uint64 {
	return uint64(fn)<<8 | uint64(mode)
}

// Registry holds the published variants of one instance. Writes and the
// slow read path take the lock; Replacement reads an immutable snapshot
// without locking.
type Registry struct {
	variants map[uint64]*wasmtierup.Variant
	fast     NonLockingReadMap.NonLockingReadMap[registryEntry, uint64]
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		variants: make(map[uint64]*wasmtierup.Variant),
		fast:     NonLockingReadMap.New[registryEntry, uint64](),
	}
}

// Replacement returns the published variant for (fn, mode) without taking a
// lock. It may miss a variant published concurrently, but never returns a
// partially built one.
func (r *Registry) Replacement(fn wasmtierup.FunctionIndex, mode wasmtierup.ExecutionMode) *wasmtierup.Variant {
	e := r.fast.Get(variantKey(fn, mode))
	if e == nil {
		return nil
	}
	return e.variant
}

// ReplacementSlow returns the published variant under the registry lock.
func (r *Registry) ReplacementSlow(fn wasmtierup.FunctionIndex, mode wasmtierup.ExecutionMode) *wasmtierup.Variant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.variants[variantKey(fn, mode)]
}

// SetReplacement publishes v. v must be fully built; it becomes visible to
// lock-free readers in one pointer swap after the locked map is updated.
// Each (function, mode) is published at most once.
func (r *Registry) SetReplacement(v *wasmtierup.Variant) error {
	if err := v.Validate(); err != nil {
		return err
	}
	key := variantKey(v.Function, v.Mode)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.variants[key]; ok {
		return errors.New(errors.PhaseTierUp, errors.KindInvariant).
			Function(uint32(v.Function)).
			Mode(v.Mode).
			Detail("variant already published").
			Build()
	}
	r.variants[key] = v
	r.fast.Set(&registryEntry{key: key, variant: v})
	return nil
}

// Len returns the number of published variants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.variants)
}

// Variants returns the published variants ordered by function and mode.
func (r *Registry) Variants() []*wasmtierup.Variant {
	r.mu.RLock()
	out := make([]*wasmtierup.Variant, 0, len(r.variants))
	for _, v := range r.variants {
		out = append(out, v)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return variantKey(out[i].Function, out[i].Mode) < variantKey(out[j].Function, out[j].Mode)
	})
	return out
}
