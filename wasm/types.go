package wasm

import (
	"fmt"
)

// Module is a decoded core WebAssembly module.
//
// Only the sections the tier-up layer reasons about are decoded into fields.
// Every other section is retained as raw bytes and re-emitted unchanged by
// Encode.
type Module struct {
	Types   []FuncType
	Funcs   []uint32 // Type indices for defined functions
	Exports []Export
	Code    []FuncBody

	// ImportedFuncTypes holds the type index of each imported function, in
	// import order. Imported functions occupy the low function indices.
	ImportedFuncTypes []uint32

	// ImportKinds holds the descriptor kind of every import, in order.
	ImportKinds []byte

	// TagTypes holds the type index of every tag (imported first).
	TagTypes []uint32

	raw []rawSection
}

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports whether two signatures are identical.
func (f FuncType) Equal(o FuncType) bool {
	if len(f.Params) != len(o.Params) || len(f.Results) != len(o.Results) {
		return false
	}
	for i := range f.Params {
		if f.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range f.Results {
		if f.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

func (f FuncType) String() string {
	return fmt.Sprintf("%v -> %v", f.Params, f.Results)
}

// Export is an exported definition.
type Export struct {
	Name  string
	Kind  byte
	Index uint32
}

// LocalEntry declares Count locals of one type.
type LocalEntry struct {
	Count uint32
	Type  ValType
}

// FuncBody is a defined function's code entry.
type FuncBody struct {
	Locals []LocalEntry
	// Code is the body expression, starting right after the local
	// declarations and ending with the final end opcode. Instruction
	// offsets are relative to its first byte.
	Code []byte
}

// LocalCount returns the number of declared locals (excluding params).
func (b *FuncBody) LocalCount() uint32 {
	var n uint32
	for _, l := range b.Locals {
		n += l.Count
	}
	return n
}

// LocalTypes expands the local declarations into one type per local.
func (b *FuncBody) LocalTypes() []ValType {
	types := make([]ValType, 0, b.LocalCount())
	for _, l := range b.Locals {
		for i := uint32(0); i < l.Count; i++ {
			types = append(types, l.Type)
		}
	}
	return types
}

// rawSection is an undecoded section kept for re-encoding. order is the
// canonical position of the last non-custom section seen before it, so custom
// sections keep their relative placement.
type rawSection struct {
	payload []byte
	id      byte
	order   int
}

// NumImportedFuncs returns the count of imported functions.
func (m *Module) NumImportedFuncs() uint32 {
	return uint32(len(m.ImportedFuncTypes))
}

// NumFuncs returns the size of the function index space.
func (m *Module) NumFuncs() uint32 {
	return m.NumImportedFuncs() + uint32(len(m.Funcs))
}

// HasImports reports whether the module imports anything.
func (m *Module) HasImports() bool {
	return len(m.ImportKinds) > 0 || len(m.ImportedFuncTypes) > 0
}

// IsImported reports whether fn is an imported function.
func (m *Module) IsImported(fn uint32) bool {
	return fn < m.NumImportedFuncs()
}

// FuncType returns the signature of function fn.
func (m *Module) FuncType(fn uint32) (FuncType, error) {
	var typeIdx uint32
	switch {
	case fn < m.NumImportedFuncs():
		typeIdx = m.ImportedFuncTypes[fn]
	case fn < m.NumFuncs():
		typeIdx = m.Funcs[fn-m.NumImportedFuncs()]
	default:
		return FuncType{}, fmt.Errorf("function index %d out of range (%d functions)", fn, m.NumFuncs())
	}
	return m.Type(typeIdx)
}

// Type returns the signature at typeIdx.
func (m *Module) Type(typeIdx uint32) (FuncType, error) {
	if int(typeIdx) >= len(m.Types) {
		return FuncType{}, fmt.Errorf("type index %d out of range (%d types)", typeIdx, len(m.Types))
	}
	return m.Types[typeIdx], nil
}

// Body returns the code entry of defined function fn.
func (m *Module) Body(fn uint32) (*FuncBody, error) {
	if m.IsImported(fn) {
		return nil, fmt.Errorf("function %d is imported", fn)
	}
	i := fn - m.NumImportedFuncs()
	if int(i) >= len(m.Code) {
		return nil, fmt.Errorf("function index %d out of range (%d bodies)", fn, len(m.Code))
	}
	return &m.Code[i], nil
}

// ExportName returns the first export name of function fn.
func (m *Module) ExportName(fn uint32) (string, bool) {
	for _, e := range m.Exports {
		if e.Kind == KindFunc && e.Index == fn {
			return e.Name, true
		}
	}
	return "", false
}

// AddType appends a signature unless an identical one exists and returns its index.
func (m *Module) AddType(ft FuncType) uint32 {
	for i, t := range m.Types {
		if t.Equal(ft) {
			return uint32(i)
		}
	}
	m.Types = append(m.Types, ft)
	return uint32(len(m.Types) - 1)
}

// AddFunction appends a defined function and returns its function index.
func (m *Module) AddFunction(typeIdx uint32, body FuncBody) uint32 {
	m.Funcs = append(m.Funcs, typeIdx)
	m.Code = append(m.Code, body)
	return m.NumFuncs() - 1
}

// AddExport appends a function export.
func (m *Module) AddExport(name string, fn uint32) {
	m.Exports = append(m.Exports, Export{Name: name, Kind: KindFunc, Index: fn})
}

// Clone returns a copy that can be extended without affecting m.
// Function bodies and raw sections are shared; they are never mutated.
func (m *Module) Clone() *Module {
	c := *m
	c.Types = append([]FuncType(nil), m.Types...)
	c.Funcs = append([]uint32(nil), m.Funcs...)
	c.Exports = append([]Export(nil), m.Exports...)
	c.Code = append([]FuncBody(nil), m.Code...)
	c.ImportedFuncTypes = append([]uint32(nil), m.ImportedFuncTypes...)
	c.ImportKinds = append([]byte(nil), m.ImportKinds...)
	c.TagTypes = append([]uint32(nil), m.TagTypes...)
	c.raw = append([]rawSection(nil), m.raw...)
	return &c
}
