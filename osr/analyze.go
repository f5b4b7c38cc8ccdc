package osr

import (
	stderrors "errors"
	"fmt"
	"io"

	"github.com/wippyai/wasm-tierup/errors"
	"github.com/wippyai/wasm-tierup/wasm"
)

type frameKind uint8

const (
	frameFunc frameKind = iota
	frameBlock
	frameLoop
	frameIf
	frameTry
	frameTryTable
)

type ctrlFrame struct {
	base        int
	params      int
	results     int
	kind        frameKind
	handler     bool
	unreachable bool
}

type analyzer struct {
	mod      *wasm.Module
	table    *Table
	ctrl     []ctrlFrame
	height   int
	max      int
	handlers int
	offset   uint32
}

// Analyze computes the loop descriptors of a defined function by walking its
// body and tracking the operand-stack height of every control frame. The
// body is assumed to be validated; malformed input yields an analyze error
// rather than a wrong table.
func Analyze(mod *wasm.Module, fn uint32) (*Table, error) {
	if mod.IsImported(fn) {
		return nil, errors.New(errors.PhaseAnalyze, errors.KindInvalidInput).
			Function(fn).
			Detail("imported function has no body").
			Build()
	}
	ft, err := mod.FuncType(fn)
	if err != nil {
		return nil, errors.New(errors.PhaseAnalyze, errors.KindNotFound).Function(fn).Cause(err).Build()
	}
	body, err := mod.Body(fn)
	if err != nil {
		return nil, errors.New(errors.PhaseAnalyze, errors.KindNotFound).Function(fn).Cause(err).Build()
	}

	a := &analyzer{
		mod:   mod,
		table: newTable(fn, uint32(len(ft.Params))+body.LocalCount()),
		ctrl:  []ctrlFrame{{kind: frameFunc, results: len(ft.Results)}},
	}

	ir := wasm.NewInstrReader(body.Code)
	for {
		in, err := ir.Next()
		if stderrors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			kind := errors.KindInvalidData
			if stderrors.Is(err, wasm.ErrUnsupported) {
				kind = errors.KindUnsupported
			}
			return nil, errors.New(errors.PhaseAnalyze, kind).Function(fn).Cause(err).Build()
		}
		a.offset = in.Offset
		if len(a.ctrl) == 0 {
			return nil, a.invalid("instruction after final end")
		}
		if err := a.step(in); err != nil {
			return nil, err
		}
	}
	if len(a.ctrl) != 0 {
		return nil, a.invalid("body is missing its final end")
	}

	a.table.MaxStack = uint32(a.max)
	return a.table, nil
}

func (a *analyzer) invalid(format string, args ...any) error {
	return errors.New(errors.PhaseAnalyze, errors.KindInvalidData).
		Function(a.table.Function).
		Detail("offset %d: %s", a.offset, fmt.Sprintf(format, args...)).
		Build()
}

func (a *analyzer) top() *ctrlFrame {
	return &a.ctrl[len(a.ctrl)-1]
}

func (a *analyzer) push(n int) {
	a.height += n
	if a.height > a.max {
		a.max = a.height
	}
}

func (a *analyzer) pop(n int) error {
	f := a.top()
	if a.height-n < f.base {
		if f.unreachable {
			a.height = f.base
			return nil
		}
		return a.invalid("operand stack underflow")
	}
	a.height -= n
	return nil
}

func (a *analyzer) markUnreachable() {
	f := a.top()
	a.height = f.base
	f.unreachable = true
}

func (a *analyzer) signature(ft wasm.FuncType, err error) (params, results int, _ error) {
	if err != nil {
		return 0, 0, errors.New(errors.PhaseAnalyze, errors.KindNotFound).
			Function(a.table.Function).
			Detail("offset %d", a.offset).
			Cause(err).
			Build()
	}
	return len(ft.Params), len(ft.Results), nil
}

func (a *analyzer) tagParams(tag uint32) (int, error) {
	if int(tag) >= len(a.mod.TagTypes) {
		return 0, a.invalid("unknown tag %d", tag)
	}
	p, _, err := a.signature(a.mod.Type(a.mod.TagTypes[tag]))
	return p, err
}

// popPush applies a fixed stack effect.
func (a *analyzer) popPush(pop, push int) error {
	if err := a.pop(pop); err != nil {
		return err
	}
	a.push(push)
	return nil
}

func (a *analyzer) step(in wasm.Instr) error {
	op := in.Op
	switch {
	case op == wasm.OpNop:
		return nil
	case op == wasm.OpUnreachable, op == wasm.OpBr, op == wasm.OpReturn, op == wasm.OpRethrow:
		a.markUnreachable()
		return nil
	case op == wasm.OpBlock, op == wasm.OpLoop, op == wasm.OpIf, op == wasm.OpTry, op == wasm.OpTryTable:
		return a.enter(in)
	case op == wasm.OpElse:
		f := a.top()
		if f.kind != frameIf {
			return a.invalid("else outside if")
		}
		a.height = f.base + f.params
		f.unreachable = false
		return nil
	case op == wasm.OpCatch:
		f := a.top()
		if f.kind != frameTry {
			return a.invalid("catch outside try")
		}
		n, err := a.tagParams(in.Index)
		if err != nil {
			return err
		}
		a.height = f.base
		f.unreachable = false
		a.push(n)
		return nil
	case op == wasm.OpCatchAll:
		f := a.top()
		if f.kind != frameTry {
			return a.invalid("catch_all outside try")
		}
		a.height = f.base
		f.unreachable = false
		return nil
	case op == wasm.OpEnd, op == wasm.OpDelegate:
		return a.exit()
	case op == wasm.OpBrIf:
		return a.pop(1)
	case op == wasm.OpBrTable, op == wasm.OpThrowRef:
		if err := a.pop(1); err != nil {
			return err
		}
		a.markUnreachable()
		return nil
	case op == wasm.OpThrow:
		n, err := a.tagParams(in.Index)
		if err != nil {
			return err
		}
		if err := a.pop(n); err != nil {
			return err
		}
		a.markUnreachable()
		return nil
	case op == wasm.OpCall, op == wasm.OpReturnCall:
		p, r, err := a.signature(a.mod.FuncType(in.Index))
		if err != nil {
			return err
		}
		return a.call(op == wasm.OpReturnCall, p, r)
	case op == wasm.OpCallIndirect, op == wasm.OpReturnCallIndirect:
		p, r, err := a.signature(a.mod.Type(in.Index))
		if err != nil {
			return err
		}
		if err := a.pop(1); err != nil {
			return err
		}
		return a.call(op == wasm.OpReturnCallIndirect, p, r)
	case op == wasm.OpDrop, op == wasm.OpLocalSet, op == wasm.OpGlobalSet:
		return a.pop(1)
	case op == wasm.OpSelect, op == wasm.OpSelectType:
		return a.popPush(3, 1)
	case op == wasm.OpLocalGet, op == wasm.OpGlobalGet, op == wasm.OpMemorySize,
		op >= wasm.OpI32Const && op <= wasm.OpF64Const,
		op == wasm.OpRefNull, op == wasm.OpRefFunc:
		a.push(1)
		return nil
	case op == wasm.OpLocalTee, op == wasm.OpTableGet, op == wasm.OpMemoryGrow, op == wasm.OpRefIsNull,
		op >= wasm.OpI32Load && op <= wasm.OpI64Load32U,
		isUnary(op):
		return a.popPush(1, 1)
	case op == wasm.OpTableSet, op >= wasm.OpI32Store && op <= wasm.OpI64Store32:
		return a.pop(2)
	case isBinary(op):
		return a.popPush(2, 1)
	case op == wasm.OpPrefixMisc:
		return a.misc(in.Sub)
	}
	return errors.New(errors.PhaseAnalyze, errors.KindUnsupported).
		Function(a.table.Function).
		Detail("offset %d: opcode 0x%02x", in.Offset, op).
		Build()
}

func (a *analyzer) call(tail bool, params, results int) error {
	if err := a.pop(params); err != nil {
		return err
	}
	if tail {
		a.markUnreachable()
		return nil
	}
	a.push(results)
	return nil
}

func (a *analyzer) misc(sub uint32) error {
	switch sub {
	case wasm.MiscMemoryInit, wasm.MiscMemoryCopy, wasm.MiscMemoryFill,
		wasm.MiscTableInit, wasm.MiscTableCopy, wasm.MiscTableFill:
		return a.pop(3)
	case wasm.MiscDataDrop, wasm.MiscElemDrop:
		return nil
	case wasm.MiscTableGrow:
		return a.popPush(2, 1)
	case wasm.MiscTableSize:
		a.push(1)
		return nil
	}
	if sub <= wasm.MiscI64TruncSatF64U {
		return a.popPush(1, 1)
	}
	return a.invalid("misc sub-opcode %d", sub)
}

func (a *analyzer) enter(in wasm.Instr) error {
	params, results, err := a.mod.Arity(in.Block)
	if err != nil {
		return a.invalid("block type: %v", err)
	}
	if in.Op == wasm.OpIf {
		if err := a.pop(1); err != nil {
			return err
		}
	}
	if err := a.pop(params); err != nil {
		return err
	}

	dead := a.top().unreachable
	f := ctrlFrame{base: a.height, params: params, results: results}
	switch in.Op {
	case wasm.OpBlock:
		f.kind = frameBlock
	case wasm.OpLoop:
		f.kind = frameLoop
	case wasm.OpIf:
		f.kind = frameIf
	case wasm.OpTry:
		f.kind, f.handler = frameTry, true
	case wasm.OpTryTable:
		f.kind, f.handler = frameTryTable, true
	}
	a.ctrl = append(a.ctrl, f)
	a.push(params)

	if f.handler {
		a.handlers++
	}
	if f.kind == frameLoop {
		a.table.add(Descriptor{
			Offset:         in.Offset,
			LocalCount:     a.table.LocalCount,
			StackCount:     uint32(a.height),
			ExceptionDepth: uint32(a.handlers),
			Params:         uint32(params),
			TopLevel:       len(a.ctrl) == 2 && f.base == 0 && params == 0 && a.handlers == 0 && !dead,
		})
	}
	return nil
}

func (a *analyzer) exit() error {
	f := a.top()
	if f.handler {
		a.handlers--
	}
	a.height = f.base
	a.ctrl = a.ctrl[:len(a.ctrl)-1]
	a.push(f.results)
	return nil
}

func isUnary(op byte) bool {
	return op == wasm.OpI32Eqz || op == wasm.OpI64Eqz ||
		op >= wasm.OpI32Clz && op <= wasm.OpI32Popcnt ||
		op >= wasm.OpI64Clz && op <= wasm.OpI64Popcnt ||
		op >= wasm.OpF32Abs && op <= wasm.OpF32Sqrt ||
		op >= wasm.OpF64Abs && op <= wasm.OpF64Sqrt ||
		op >= wasm.OpI32WrapI64 && op <= wasm.OpI64ExtendS
}

func isBinary(op byte) bool {
	return op >= wasm.OpI32Eq && op <= wasm.OpI32GeU ||
		op >= wasm.OpI64Eq && op <= wasm.OpF64Ge ||
		op >= wasm.OpI32Add && op <= wasm.OpI32Rotr ||
		op >= wasm.OpI64Add && op <= wasm.OpI64Rotr ||
		op >= wasm.OpF32Add && op <= wasm.OpF32Copysign ||
		op >= wasm.OpF64Add && op <= wasm.OpF64Copysign
}
