// Package wasm provides the slice of WebAssembly binary handling the tier-up
// layer depends on.
//
// The module binary is a pre-validated upstream input; this package decodes
// just enough of it to know each function's signature, locals and body, and
// to rewrite a module with extra functions and exports for the optimizing
// backend.
//
// # Parsing
//
//	module, err := wasm.ParseModule(data)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Decoded sections:
//
//	module.Types              []FuncType  // Function signatures
//	module.ImportedFuncTypes  []uint32    // Type indices of imported functions
//	module.Funcs              []uint32    // Type indices of defined functions
//	module.Exports            []Export    // Exported definitions
//	module.Code               []FuncBody  // Locals and body expression
//	module.TagTypes           []uint32    // Exception tag signatures
//
// All other sections are kept as raw bytes.
//
// # Encoding
//
//	augmented := module.Clone()
//	fn := augmented.AddFunction(augmented.AddType(sig), body)
//	augmented.AddExport("entry", fn)
//	bin := augmented.Encode()
//
// # Instructions
//
// Iterate over a body with byte offsets preserved:
//
//	ir := wasm.NewInstrReader(body.Code)
//	for {
//	    in, err := ir.Next()
//	    if err == io.EOF {
//	        break
//	    }
//	    ...
//	}
//
// SIMD, atomics and GC instructions are reported as ErrUnsupported.
package wasm
