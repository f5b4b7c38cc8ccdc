package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/wippyai/wasm-tierup/osr"
	"github.com/wippyai/wasm-tierup/wasm"
)

func TestWriteListing(t *testing.T) {
	m := &wasm.Module{}
	void := m.AddType(wasm.FuncType{})
	fn := m.AddFunction(void, wasm.FuncBody{
		Locals: []wasm.LocalEntry{{Count: 3, Type: wasm.ValI64}},
		Code:   []byte{wasm.OpLoop, 0x40, wasm.OpEnd, wasm.OpEnd},
	})
	m.AddExport("spin", fn)
	m.AddFunction(void, wasm.FuncBody{Code: []byte{wasm.OpEnd}})

	var buf bytes.Buffer
	if err := writeListing(&buf, "test.wasm", m, false); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		"Defined functions: 2",
		"func 0 spin",
		"locals 3, max stack 0, frame 3",
		"[top-level]",
		"no loops",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("listing lacks %q:\n%s", want, out)
		}
	}
}

func TestDescribe(t *testing.T) {
	got := describe(osr.Descriptor{LoopID: 1, Offset: 12, LocalCount: 2, StackCount: 1, Params: 1})
	if !strings.Contains(got, "stack=1") || !strings.Contains(got, "params=1") || strings.Contains(got, "top-level") {
		t.Errorf("describe = %q", got)
	}
}
