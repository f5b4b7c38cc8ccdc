package osr

import (
	"sort"
)

// Descriptor is the live state at one loop header: everything the optimized
// code must receive to resume the activation at that loop.
type Descriptor struct {
	// LoopID is the ordinal of the loop opcode within the body.
	LoopID uint32
	// Offset is the byte offset of the loop opcode in the body expression.
	Offset uint32
	// LocalCount counts parameters and declared locals.
	LocalCount uint32
	// StackCount counts operand-stack values live at the loop label,
	// including the loop's own block parameters.
	StackCount uint32
	// ExceptionDepth is the number of enclosing exception handler frames.
	ExceptionDepth uint32
	// Params is the loop's block parameter count (part of StackCount).
	Params uint32
	// TopLevel reports a loop directly in the function block with an empty
	// operand stack, no handlers and no block parameters.
	TopLevel bool
}

// Size is the number of transplant values the descriptor requires.
func (d Descriptor) Size() int {
	return int(d.LocalCount) + int(d.StackCount) + int(d.ExceptionDepth)
}

// Table holds the descriptors of one function, computed once.
type Table struct {
	byOffset   map[uint32]int
	descs      []Descriptor
	Function   uint32
	LocalCount uint32
	MaxStack   uint32
}

func newTable(fn, localCount uint32) *Table {
	return &Table{
		byOffset:   make(map[uint32]int),
		Function:   fn,
		LocalCount: localCount,
	}
}

func (t *Table) add(d Descriptor) {
	d.LoopID = uint32(len(t.descs))
	t.byOffset[d.Offset] = len(t.descs)
	t.descs = append(t.descs, d)
}

// Lookup returns the descriptor of the loop whose opcode is at offset.
func (t *Table) Lookup(offset uint32) (Descriptor, bool) {
	if t == nil {
		return Descriptor{}, false
	}
	i, ok := t.byOffset[offset]
	if !ok {
		return Descriptor{}, false
	}
	return t.descs[i], true
}

// ByLoopID returns the descriptor for a loop id.
func (t *Table) ByLoopID(id uint32) (Descriptor, bool) {
	if t == nil || int(id) >= len(t.descs) {
		return Descriptor{}, false
	}
	return t.descs[id], true
}

// Descriptors returns a copy of all descriptors ordered by loop id.
func (t *Table) Descriptors() []Descriptor {
	if t == nil {
		return nil
	}
	out := make([]Descriptor, len(t.descs))
	copy(out, t.descs)
	return out
}

// Offsets returns the loop header offsets in ascending order.
func (t *Table) Offsets() []uint32 {
	if t == nil {
		return nil
	}
	out := make([]uint32, 0, len(t.byOffset))
	for off := range t.byOffset {
		out = append(out, off)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of loops.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.descs)
}

// FrameSize is the number of value slots an activation of the function
// needs: locals plus the maximum operand-stack height.
func (t *Table) FrameSize() uint32 {
	if t == nil {
		return 0
	}
	return t.LocalCount + t.MaxStack
}

// MaxSize is the largest transplant any loop of the function requires.
func (t *Table) MaxSize() int {
	n := 0
	for _, d := range t.descs {
		if s := d.Size(); s > n {
			n = s
		}
	}
	return n
}
