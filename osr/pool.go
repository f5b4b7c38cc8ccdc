package osr

import (
	"sync"
	"sync/atomic"

	"github.com/wippyai/wasm-tierup/errors"
)

const (
	// DefaultLimit is the largest transplant, in values, a pool serves
	// unless configured otherwise.
	DefaultLimit = 1 << 16

	minClassSize = 16
)

// Buffer stages one transplant. It is owned by exactly one transition from
// checkout until Release.
type Buffer struct {
	pool   *Pool
	Values []uint64
	inUse  atomic.Bool
	LoopID uint32
	// Version is the schema version Values was written with.
	Version uint16
}

// Cap is the number of values the buffer can hold.
func (b *Buffer) Cap() int {
	return cap(b.Values)
}

// Release returns the buffer to its pool. Releasing twice is a no-op.
func (b *Buffer) Release() {
	if b != nil && b.pool != nil {
		b.pool.Put(b)
	}
}

func (b *Buffer) reset() {
	b.Values = b.Values[:0]
	b.LoopID = 0
	b.Version = 0
}

// PoolStats is a snapshot of pool activity.
type PoolStats struct {
	Gets     uint64
	Misses   uint64
	Declines uint64
	Limit    int
}

// Pool hands out scratch buffers in power-of-two size classes up to a hard
// limit. Each class is a sync.Pool, so buffers are cached per P and a
// checked-out buffer is never visible to another transition. A class miss
// allocates a fresh backing array; existing buffers are never grown in
// place.
type Pool struct {
	classes  []sync.Pool
	limit    int
	gets     atomic.Uint64
	misses   atomic.Uint64
	declines atomic.Uint64
}

// NewPool creates a pool serving requests of at most limit values.
func NewPool(limit int) *Pool {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Pool{
		limit:   limit,
		classes: make([]sync.Pool, classOf(limit)+1),
	}
}

func classOf(n int) int {
	c := 0
	for size := minClassSize; size < n; size <<= 1 {
		c++
	}
	return c
}

func (p *Pool) classSize(c int) int {
	size := minClassSize << c
	if size > p.limit {
		size = p.limit
	}
	return size
}

// Limit returns the largest request the pool serves.
func (p *Pool) Limit() int {
	return p.limit
}

// ScratchBufferForSize checks out a buffer with capacity for at least n
// values. Requests above the limit fail with resource exhaustion.
func (p *Pool) ScratchBufferForSize(n int) (*Buffer, error) {
	if n < 0 {
		return nil, errors.OutOfBounds(errors.PhaseOSR, "scratch size", n, p.limit)
	}
	if n > p.limit {
		p.declines.Add(1)
		return nil, errors.ResourceExhaustion(errors.PhaseOSR, n, p.limit)
	}
	p.gets.Add(1)

	c := classOf(n)
	if v := p.classes[c].Get(); v != nil {
		b := v.(*Buffer)
		if cap(b.Values) >= n && b.inUse.CompareAndSwap(false, true) {
			b.reset()
			return b, nil
		}
	}
	p.misses.Add(1)
	b := &Buffer{pool: p, Values: make([]uint64, 0, p.classSize(c))}
	b.inUse.Store(true)
	return b, nil
}

// Put returns a buffer obtained from this pool.
func (p *Pool) Put(b *Buffer) {
	if b == nil || b.pool != p || !b.inUse.CompareAndSwap(true, false) {
		return
	}
	c := classOf(cap(b.Values))
	if c >= len(p.classes) || cap(b.Values) != p.classSize(c) {
		return
	}
	b.reset()
	p.classes[c].Put(b)
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Gets:     p.gets.Load(),
		Misses:   p.misses.Load(),
		Declines: p.declines.Load(),
		Limit:    p.limit,
	}
}
