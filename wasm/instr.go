package wasm

import (
	"errors"
	"fmt"
	"io"

	"github.com/wippyai/wasm-tierup/wasm/internal/binary"
)

// BlockKind distinguishes the three block type encodings.
type BlockKind uint8

const (
	BlockEmpty BlockKind = iota
	BlockValue
	BlockTypeIndex
)

// BlockType is the signature of a structured control instruction.
type BlockType struct {
	Kind      BlockKind
	Value     ValType
	TypeIndex uint32
}

// Arity returns the number of block parameters and results.
func (m *Module) Arity(bt BlockType) (params, results int, err error) {
	switch bt.Kind {
	case BlockEmpty:
		return 0, 0, nil
	case BlockValue:
		return 0, 1, nil
	}
	ft, err := m.Type(bt.TypeIndex)
	if err != nil {
		return 0, 0, err
	}
	return len(ft.Params), len(ft.Results), nil
}

// Catch is one handler clause of try_table.
type Catch struct {
	Kind  byte // 0 catch, 1 catch_ref, 2 catch_all, 3 catch_all_ref
	Tag   uint32
	Label uint32
}

// Instr is one decoded instruction. Only the immediates the tier-up layer
// needs are kept; the rest are validated and skipped.
type Instr struct {
	Catches []Catch
	Block   BlockType
	Offset  uint32 // byte offset of the opcode within FuncBody.Code
	Index   uint32 // function, type, local, global, tag or label index
	Sub     uint32 // sub-opcode for prefixed instructions
	Op      byte
}

// InstrReader iterates over the instructions of a body expression.
type InstrReader struct {
	r *binary.Reader
}

// NewInstrReader creates a reader over code.
func NewInstrReader(code []byte) *InstrReader {
	return &InstrReader{r: binary.NewReader(code)}
}

// Next decodes the next instruction. It returns io.EOF at the end of code.
func (ir *InstrReader) Next() (Instr, error) {
	r := ir.r
	in := Instr{Offset: uint32(r.Position())}
	op, err := r.ReadByte()
	if err != nil {
		return in, err
	}
	in.Op = op

	if err := ir.readImmediates(&in); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return in, fmt.Errorf("opcode 0x%02x at offset %d: %w", op, in.Offset, err)
	}
	return in, nil
}

// DecodeInstructions decodes a whole body expression.
func DecodeInstructions(code []byte) ([]Instr, error) {
	ir := NewInstrReader(code)
	var out []Instr
	for {
		in, err := ir.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
}

func (ir *InstrReader) readImmediates(in *Instr) error {
	r := ir.r
	var err error
	op := in.Op

	switch {
	case op == OpBlock, op == OpLoop, op == OpIf, op == OpTry:
		in.Block, err = readBlockType(r)
		return err
	case op == OpTryTable:
		if in.Block, err = readBlockType(r); err != nil {
			return err
		}
		n, err := r.ReadU32()
		if err != nil {
			return err
		}
		in.Catches = make([]Catch, n)
		for i := range in.Catches {
			c := &in.Catches[i]
			if c.Kind, err = r.ReadByte(); err != nil {
				return err
			}
			if c.Kind > 3 {
				return fmt.Errorf("catch kind %d: %w", c.Kind, ErrUnsupported)
			}
			if c.Kind < 2 {
				if c.Tag, err = r.ReadU32(); err != nil {
					return err
				}
			}
			if c.Label, err = r.ReadU32(); err != nil {
				return err
			}
		}
		return nil
	case op == OpBr, op == OpBrIf, op == OpCall, op == OpReturnCall,
		op == OpCatch, op == OpThrow, op == OpRethrow, op == OpDelegate,
		op == OpLocalGet, op == OpLocalSet, op == OpLocalTee,
		op == OpGlobalGet, op == OpGlobalSet, op == OpTableGet, op == OpTableSet,
		op == OpRefFunc:
		in.Index, err = r.ReadU32()
		return err
	case op == OpBrTable:
		n, err := r.ReadU32()
		if err != nil {
			return err
		}
		for i := uint32(0); i <= n; i++ {
			if _, err := r.ReadU32(); err != nil {
				return err
			}
		}
		return nil
	case op == OpCallIndirect, op == OpReturnCallIndirect:
		if in.Index, err = r.ReadU32(); err != nil {
			return err
		}
		_, err = r.ReadU32()
		return err
	case op == OpSelectType:
		n, err := r.ReadU32()
		if err != nil {
			return err
		}
		return r.Skip(int(n))
	case op >= OpI32Load && op <= OpI64Store32:
		return skipMemArg(r)
	case op == OpMemorySize, op == OpMemoryGrow:
		_, err = r.ReadU32()
		return err
	case op == OpI32Const:
		_, err = r.ReadS32()
		return err
	case op == OpI64Const:
		_, err = r.ReadS64()
		return err
	case op == OpF32Const:
		return r.Skip(4)
	case op == OpF64Const:
		return r.Skip(8)
	case op == OpRefNull:
		_, err = r.ReadByte()
		return err
	case op == OpPrefixMisc:
		if in.Sub, err = r.ReadU32(); err != nil {
			return err
		}
		return readMiscImmediates(r, in.Sub)
	case op == OpPrefixSIMD, op == OpPrefixAtomic, op == OpPrefixGC:
		return fmt.Errorf("prefix 0x%02x: %w", op, ErrUnsupported)
	case op <= OpReturnCallIndirect, op == OpCatchAll, op == OpDrop, op == OpSelect,
		op >= OpI32Eqz && op <= OpI64ExtendS, op == OpRefIsNull:
		return nil
	}
	return fmt.Errorf("unknown opcode: %w", ErrUnsupported)
}

func readBlockType(r *binary.Reader) (BlockType, error) {
	v, err := r.ReadS33()
	if err != nil {
		return BlockType{}, err
	}
	if v >= 0 {
		return BlockType{Kind: BlockTypeIndex, TypeIndex: uint32(v)}, nil
	}
	b := byte(v & 0x7f)
	if b == blockTypeEmpty {
		return BlockType{Kind: BlockEmpty}, nil
	}
	if !isValType(b) {
		return BlockType{}, fmt.Errorf("block type 0x%02x: %w", b, ErrUnsupported)
	}
	return BlockType{Kind: BlockValue, Value: ValType(b)}, nil
}

func skipMemArg(r *binary.Reader) error {
	align, err := r.ReadU32()
	if err != nil {
		return err
	}
	if align&0x40 != 0 {
		if _, err := r.ReadU32(); err != nil {
			return err
		}
	}
	_, err = r.ReadU64()
	return err
}

func readMiscImmediates(r *binary.Reader, sub uint32) error {
	immediates := 0
	switch sub {
	case MiscMemoryInit, MiscMemoryCopy, MiscTableInit, MiscTableCopy:
		immediates = 2
	case MiscDataDrop, MiscMemoryFill, MiscElemDrop, MiscTableGrow, MiscTableSize, MiscTableFill:
		immediates = 1
	default:
		if sub > MiscI64TruncSatF64U {
			return fmt.Errorf("misc sub-opcode %d: %w", sub, ErrUnsupported)
		}
	}
	for i := 0; i < immediates; i++ {
		if _, err := r.ReadU32(); err != nil {
			return err
		}
	}
	return nil
}
