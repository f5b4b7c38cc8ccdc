package tierup

import (
	"sync"
	"testing"

	wasmtierup "github.com/wippyai/wasm-tierup"
	"github.com/wippyai/wasm-tierup/errors"
	"github.com/wippyai/wasm-tierup/osr"
)

func testVariant(t *testing.T, fn wasmtierup.FunctionIndex, mode wasmtierup.ExecutionMode) *wasmtierup.Variant {
	t.Helper()
	table, err := osr.Analyze(testModule(), uint32(fn))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	return &wasmtierup.Variant{
		Function:  fn,
		Mode:      mode,
		Entry:     stubEntry{},
		OSR:       table,
		FrameSize: table.FrameSize(),
	}
}

func TestRegistryPublish(t *testing.T) {
	r := NewRegistry()
	if r.Replacement(fnSum, bc) != nil || r.ReplacementSlow(fnSum, bc) != nil {
		t.Fatal("empty registry returned a variant")
	}

	v := testVariant(t, fnSum, bc)
	if err := r.SetReplacement(v); err != nil {
		t.Fatalf("SetReplacement: %v", err)
	}
	if r.Replacement(fnSum, bc) != v || r.ReplacementSlow(fnSum, bc) != v {
		t.Error("published variant not returned")
	}
	if r.Replacement(fnSum, wasmtierup.ModeSignaling) != nil {
		t.Error("variant leaked into another mode")
	}

	err := r.SetReplacement(testVariant(t, fnSum, bc))
	if errors.KindOf(err) != errors.KindInvariant {
		t.Errorf("second publication = %v, want invariant", err)
	}
	if r.Replacement(fnSum, bc) != v {
		t.Error("second publication replaced the first")
	}
}

func TestRegistryRejectsPartialVariants(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		name   string
		mutate func(*wasmtierup.Variant)
	}{
		{"no entry", func(v *wasmtierup.Variant) { v.Entry = nil }},
		{"no osr table", func(v *wasmtierup.Variant) { v.OSR = nil }},
		{"no frame size", func(v *wasmtierup.Variant) { v.FrameSize = 0 }},
		{"unknown loop", func(v *wasmtierup.Variant) {
			v.LoopEntries = map[uint32]wasmtierup.LoopEntry{7: stubLoop{}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := testVariant(t, fnSum, bc)
			tt.mutate(v)
			if err := r.SetReplacement(v); errors.KindOf(err) != errors.KindInvariant {
				t.Errorf("SetReplacement = %v, want invariant", err)
			}
			if r.Replacement(fnSum, bc) != nil {
				t.Error("partial variant became visible")
			}
		})
	}
}

func TestRegistryConcurrentReaders(t *testing.T) {
	r := NewRegistry()
	v := testVariant(t, fnNested, wasmtierup.ModeSignaling)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if got := r.Replacement(fnNested, wasmtierup.ModeSignaling); got != nil && got.Entry == nil {
					t.Error("observed partially built variant")
					return
				}
			}
		}()
	}
	if err := r.SetReplacement(v); err != nil {
		t.Fatal(err)
	}
	close(stop)
	wg.Wait()

	if r.Len() != 1 || len(r.Variants()) != 1 {
		t.Errorf("Len = %d", r.Len())
	}
}
