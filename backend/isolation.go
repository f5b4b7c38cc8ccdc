package backend

import (
	"fmt"

	"github.com/wippyai/wasm-tierup/wasm"
)

// isolated returns nil when the variant of fn computes the same result as
// the interpreter. The compiled instance has no host imports and owns its
// memory, tables and globals, so fn and every function it calls may only
// work on locals and the operand stack.
func isolated(mod *wasm.Module, fn uint32) error {
	if mod.HasImports() {
		return fmt.Errorf("module has %d imports", max(len(mod.ImportKinds), len(mod.ImportedFuncTypes)))
	}
	seen := map[uint32]bool{fn: true}
	work := []uint32{fn}
	for len(work) > 0 {
		cur := work[len(work)-1]
		work = work[:len(work)-1]

		body, err := mod.Body(cur)
		if err != nil {
			return err
		}
		instrs, err := wasm.DecodeInstructions(body.Code)
		if err != nil {
			return fmt.Errorf("function %d: %w", cur, err)
		}
		for _, in := range instrs {
			if what := sharedState(in); what != "" {
				return fmt.Errorf("function %d uses %s at offset %d", cur, what, in.Offset)
			}
			if in.Op == wasm.OpCall || in.Op == wasm.OpReturnCall {
				if !seen[in.Index] {
					seen[in.Index] = true
					work = append(work, in.Index)
				}
			}
		}
	}
	return nil
}

// sharedState names the instance state in touches, if any.
func sharedState(in wasm.Instr) string {
	switch op := in.Op; {
	case op >= wasm.OpI32Load && op <= wasm.OpI64Store32,
		op == wasm.OpMemorySize, op == wasm.OpMemoryGrow:
		return "memory"
	case op == wasm.OpGlobalGet, op == wasm.OpGlobalSet:
		return "a global"
	case op == wasm.OpTableGet, op == wasm.OpTableSet,
		op == wasm.OpCallIndirect, op == wasm.OpReturnCallIndirect:
		return "a table"
	case op == wasm.OpPrefixMisc:
		switch in.Sub {
		case wasm.MiscMemoryInit, wasm.MiscDataDrop, wasm.MiscMemoryCopy, wasm.MiscMemoryFill:
			return "memory"
		case wasm.MiscTableInit, wasm.MiscElemDrop, wasm.MiscTableCopy,
			wasm.MiscTableGrow, wasm.MiscTableSize, wasm.MiscTableFill:
			return "a table"
		}
	}
	return ""
}
