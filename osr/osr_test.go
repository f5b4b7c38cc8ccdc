package osr

import (
	"sync"
	"testing"

	"github.com/wippyai/wasm-tierup/errors"
	"github.com/wippyai/wasm-tierup/wasm"
)

// sumCode loops i from 0 to param 0 accumulating into local 2.
var sumCode = []byte{
	wasm.OpBlock, 0x40,
	wasm.OpLoop, 0x40,
	wasm.OpLocalGet, 1, wasm.OpLocalGet, 0, wasm.OpI32GeU, wasm.OpBrIf, 1,
	wasm.OpLocalGet, 2, wasm.OpLocalGet, 1, wasm.OpI32Add, wasm.OpLocalSet, 2,
	wasm.OpLocalGet, 1, wasm.OpI32Const, 1, wasm.OpI32Add, wasm.OpLocalSet, 1,
	wasm.OpBr, 0,
	wasm.OpEnd,
	wasm.OpEnd,
	wasm.OpLocalGet, 2,
	wasm.OpEnd,
}

// nestedCode has a loop inside a try inside a block with a value below it.
var nestedCode = []byte{
	wasm.OpI32Const, 1, // 0
	wasm.OpBlock, byte(wasm.ValI32), // 2
	wasm.OpTry, 0x40, // 4
	wasm.OpLoop, 0x40, // 6
	wasm.OpEnd,      // 8
	wasm.OpCatchAll, // 9
	wasm.OpEnd,      // 10
	wasm.OpI32Const, 2, // 11
	wasm.OpEnd,    // 13
	wasm.OpI32Add, // 14
	wasm.OpEnd,    // 15
}

func buildModule(t *testing.T, sig wasm.FuncType, locals []wasm.LocalEntry, code []byte) (*wasm.Module, uint32) {
	t.Helper()
	m := &wasm.Module{}
	fn := m.AddFunction(m.AddType(sig), wasm.FuncBody{Locals: locals, Code: code})
	return m, fn
}

var i32 = []wasm.ValType{wasm.ValI32}

func TestAnalyzeTopLevelLoop(t *testing.T) {
	m, fn := buildModule(t, wasm.FuncType{Params: i32, Results: i32},
		[]wasm.LocalEntry{{Count: 2, Type: wasm.ValI32}}, sumCode)

	table, err := Analyze(m, fn)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if table.Len() != 1 {
		t.Fatalf("loops = %d, want 1", table.Len())
	}
	d, ok := table.Lookup(2)
	if !ok {
		t.Fatal("no descriptor at offset 2")
	}
	want := Descriptor{LoopID: 0, Offset: 2, LocalCount: 3, TopLevel: true}
	if d != want {
		t.Errorf("descriptor = %+v, want %+v", d, want)
	}
	if table.MaxStack != 2 {
		t.Errorf("MaxStack = %d, want 2", table.MaxStack)
	}
	if table.FrameSize() != 5 {
		t.Errorf("FrameSize = %d, want 5", table.FrameSize())
	}
	if _, ok := table.Lookup(3); ok {
		t.Error("Lookup matched a non-loop offset")
	}
}

func TestAnalyzeNestedLoop(t *testing.T) {
	m, fn := buildModule(t, wasm.FuncType{Results: i32}, nil, nestedCode)

	table, err := Analyze(m, fn)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	d, ok := table.ByLoopID(0)
	if !ok {
		t.Fatal("loop 0 missing")
	}
	if d.Offset != 6 || d.StackCount != 1 || d.ExceptionDepth != 1 || d.TopLevel {
		t.Errorf("descriptor = %+v", d)
	}
	if d.Size() != 2 {
		t.Errorf("Size = %d, want 2", d.Size())
	}
	if table.MaxStack != 2 {
		t.Errorf("MaxStack = %d, want 2", table.MaxStack)
	}
}

func TestAnalyzeLoopParams(t *testing.T) {
	m := &wasm.Module{}
	loopType := m.AddType(wasm.FuncType{Params: i32, Results: i32})
	code := []byte{
		wasm.OpI32Const, 9,
		wasm.OpI32Const, 5,
		wasm.OpLoop, byte(loopType), // loop (param i32) (result i32)
		wasm.OpEnd,
		wasm.OpI32Add,
		wasm.OpEnd,
	}
	fn := m.AddFunction(m.AddType(wasm.FuncType{Results: i32}), wasm.FuncBody{Code: code})

	table, err := Analyze(m, fn)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	d, _ := table.Lookup(4)
	if d.StackCount != 2 || d.Params != 1 || d.TopLevel {
		t.Errorf("descriptor = %+v", d)
	}
}

func TestAnalyzeMultipleLoops(t *testing.T) {
	code := []byte{
		wasm.OpLoop, 0x40, wasm.OpEnd,
		wasm.OpBlock, 0x40,
		wasm.OpLoop, 0x40, wasm.OpEnd,
		wasm.OpEnd,
		wasm.OpLoop, 0x40, wasm.OpEnd,
		wasm.OpEnd,
	}
	m, fn := buildModule(t, wasm.FuncType{}, nil, code)
	table, err := Analyze(m, fn)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	offsets := table.Offsets()
	want := []uint32{0, 5, 9}
	if len(offsets) != len(want) {
		t.Fatalf("offsets = %v, want %v", offsets, want)
	}
	for i := range want {
		if offsets[i] != want[i] {
			t.Errorf("offsets = %v, want %v", offsets, want)
		}
		d, _ := table.Lookup(want[i])
		if d.LoopID != uint32(i) {
			t.Errorf("loop at %d has id %d, want %d", want[i], d.LoopID, i)
		}
	}
	descs := table.Descriptors()
	if !descs[0].TopLevel || descs[1].TopLevel || !descs[2].TopLevel {
		t.Errorf("top-level flags = %v %v %v", descs[0].TopLevel, descs[1].TopLevel, descs[2].TopLevel)
	}
}

func TestAnalyzeErrors(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		kind errors.Kind
	}{
		{"simd", []byte{wasm.OpPrefixSIMD, 0x0c, wasm.OpEnd}, errors.KindUnsupported},
		{"missing end", []byte{wasm.OpNop}, errors.KindInvalidData},
		{"trailing code", []byte{wasm.OpEnd, wasm.OpNop}, errors.KindInvalidData},
		{"underflow", []byte{wasm.OpDrop, wasm.OpEnd}, errors.KindInvalidData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, fn := buildModule(t, wasm.FuncType{}, nil, tt.code)
			_, err := Analyze(m, fn)
			if got := errors.KindOf(err); got != tt.kind {
				t.Errorf("kind = %q, want %q (err %v)", got, tt.kind, err)
			}
		})
	}

	t.Run("imported", func(t *testing.T) {
		m := &wasm.Module{}
		m.ImportedFuncTypes = []uint32{m.AddType(wasm.FuncType{})}
		if _, err := Analyze(m, 0); errors.KindOf(err) != errors.KindInvalidInput {
			t.Errorf("expected invalid input, got %v", err)
		}
	})
}

func TestAnalyzeUnreachableCode(t *testing.T) {
	code := []byte{
		wasm.OpBlock, 0x40,
		wasm.OpBr, 0,
		wasm.OpDrop, wasm.OpDrop,
		wasm.OpLoop, 0x40, wasm.OpEnd,
		wasm.OpEnd,
		wasm.OpEnd,
	}
	m, fn := buildModule(t, wasm.FuncType{}, nil, code)
	table, err := Analyze(m, fn)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if d, _ := table.ByLoopID(0); d.TopLevel || d.StackCount != 0 {
		t.Errorf("dead loop descriptor = %+v", d)
	}
}

func TestSerializeOrderAndLength(t *testing.T) {
	d := Descriptor{LoopID: 3, LocalCount: 3, StackCount: 2, ExceptionDepth: 1}
	st := State{
		Locals:          []uint64{10, 11, 12},
		ExceptionValues: []uint64{20},
		Stack:           []uint64{30, 31},
	}
	buf := &Buffer{Values: make([]uint64, 0, 16)}

	if err := Serialize(d, st, buf); err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if len(buf.Values) != d.Size() {
		t.Fatalf("len = %d, want %d", len(buf.Values), d.Size())
	}
	want := []uint64{10, 11, 12, 20, 30, 31}
	for i, v := range want {
		if buf.Values[i] != v {
			t.Fatalf("Values = %v, want %v", buf.Values, want)
		}
	}
	if buf.LoopID != 3 || buf.Version != SchemaVersion {
		t.Errorf("header = loop %d version %d", buf.LoopID, buf.Version)
	}

	back, err := Deserialize(d, buf)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if back.Locals[2] != 12 || back.ExceptionValues[0] != 20 || back.Stack[1] != 31 {
		t.Errorf("Deserialize = %+v", back)
	}
}

func TestSerializeRejects(t *testing.T) {
	d := Descriptor{LoopID: 1, LocalCount: 2, StackCount: 1}

	t.Run("short buffer", func(t *testing.T) {
		buf := &Buffer{Values: make([]uint64, 0, 2)}
		err := Serialize(d, State{Locals: []uint64{1, 2}, Stack: []uint64{3}}, buf)
		if errors.KindOf(err) != errors.KindResourceExhaustion {
			t.Errorf("expected resource exhaustion, got %v", err)
		}
		if len(buf.Values) != 0 {
			t.Error("short buffer was written")
		}
	})
	t.Run("count mismatch", func(t *testing.T) {
		buf := &Buffer{Values: make([]uint64, 0, 8)}
		err := Serialize(d, State{Locals: []uint64{1}, Stack: []uint64{3}}, buf)
		if errors.KindOf(err) != errors.KindInvariant {
			t.Errorf("expected invariant, got %v", err)
		}
	})
}

func TestDeserializeRejects(t *testing.T) {
	d := Descriptor{LoopID: 1, LocalCount: 2}
	tests := []struct {
		name string
		buf  *Buffer
	}{
		{"wrong loop", &Buffer{LoopID: 2, Version: SchemaVersion, Values: []uint64{1, 2}}},
		{"wrong version", &Buffer{LoopID: 1, Version: SchemaVersion + 1, Values: []uint64{1, 2}}},
		{"wrong length", &Buffer{LoopID: 1, Version: SchemaVersion, Values: []uint64{1, 2, 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Deserialize(d, tt.buf); errors.KindOf(err) != errors.KindInvariant {
				t.Errorf("expected invariant, got %v", err)
			}
		})
	}
}

func TestSchemaFor(t *testing.T) {
	s := SchemaFor(Descriptor{LocalCount: 4, StackCount: 3, ExceptionDepth: 2})
	kinds := []FieldKind{FieldLoopID, FieldLocal, FieldExceptionValue, FieldStackValue}
	if len(s.Fields) != len(kinds) {
		t.Fatalf("fields = %v", s.Fields)
	}
	for i, k := range kinds {
		if s.Fields[i].Kind != k {
			t.Errorf("field %d = %s, want %s", i, s.Fields[i].Kind, k)
		}
	}
	if !s.Fields[0].Header {
		t.Error("loop id is not a header field")
	}
	if s.ValueCount() != 9 {
		t.Errorf("ValueCount = %d, want 9", s.ValueCount())
	}
}

func TestPoolDeclinesOverLimit(t *testing.T) {
	p := NewPool(8)

	buf, err := p.ScratchBufferForSize(10)
	if buf != nil || errors.KindOf(err) != errors.KindResourceExhaustion {
		t.Fatalf("ScratchBufferForSize(10) = %v, %v", buf, err)
	}
	buf, err = p.ScratchBufferForSize(8)
	if err != nil {
		t.Fatalf("ScratchBufferForSize(8): %v", err)
	}
	if buf.Cap() != 8 {
		t.Errorf("Cap = %d, want 8", buf.Cap())
	}
	if s := p.Stats(); s.Declines != 1 || s.Gets != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestPoolSizeClasses(t *testing.T) {
	p := NewPool(100)
	tests := []struct {
		n, cap int
	}{
		{0, 16},
		{16, 16},
		{17, 32},
		{64, 64},
		{65, 100},
		{100, 100},
	}
	for _, tt := range tests {
		buf, err := p.ScratchBufferForSize(tt.n)
		if err != nil {
			t.Fatalf("ScratchBufferForSize(%d): %v", tt.n, err)
		}
		if buf.Cap() != tt.cap {
			t.Errorf("ScratchBufferForSize(%d).Cap() = %d, want %d", tt.n, buf.Cap(), tt.cap)
		}
		buf.Release()
	}
}

func TestPoolCheckoutsAreExclusive(t *testing.T) {
	p := NewPool(0)
	const n = 32

	bufs := make([]*Buffer, n)
	var wg sync.WaitGroup
	for i := range bufs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := p.ScratchBufferForSize(20)
			if err != nil {
				t.Error(err)
				return
			}
			b.Values = append(b.Values, uint64(i))
			bufs[i] = b
		}(i)
	}
	wg.Wait()

	seen := make(map[*Buffer]bool)
	for i, b := range bufs {
		if b == nil {
			continue
		}
		if seen[b] {
			t.Fatal("buffer handed out twice")
		}
		seen[b] = true
		if b.Values[0] != uint64(i) {
			t.Errorf("buffer %d holds %d", i, b.Values[0])
		}
	}
}

func TestBufferDoubleRelease(t *testing.T) {
	p := NewPool(0)
	b, err := p.ScratchBufferForSize(4)
	if err != nil {
		t.Fatal(err)
	}
	b.Release()
	b.Release()
	if b.inUse.Load() {
		t.Error("released buffer still marked in use")
	}

	var orphan Buffer
	orphan.Release()
	p.Put(&Buffer{Values: make([]uint64, 0, 16)})
}
