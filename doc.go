// Package wasmtierup coordinates tier-up from a WebAssembly interpreter to an
// optimizing compiler, including on-stack replacement at loop back-edges.
//
// The interpreter owns dispatch; this module only receives hook calls at
// function prologues, loop back-edges and function epilogues and answers
// with "continue" or a transfer target.
//
// # Architecture Overview
//
//	wasmtierup/          Root package: FunctionIndex, ExecutionMode, Variant, Compiler
//	├── errors/          Structured error types and script-visible traps
//	├── wasm/            Core module decoding, re-encoding and instruction reading
//	├── osr/             Loop descriptors, transplant schema and scratch buffers
//	├── worklist/        Background compile queue with help-drain waiting
//	├── tierup/          Counters, status tracker, variant registry, coordinator
//	├── backend/         wazero-backed optimizing tier
//	└── cmd/tierup/      Inspection and simulation tool
//
// # Quick Start
//
//	mod, err := wasm.ParseModule(bin)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	compiler, err := backend.NewWazero(ctx, backend.Config{CodeBudget: "64MiB"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer compiler.Close(ctx)
//
//	coord, err := tierup.New(tierup.DefaultConfig(), compiler)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer coord.Close()
//
//	inst, err := coord.Instantiate(mod)
//	...
//	decision, err := coord.OnLoopBackEdge(ctx, inst, &tierup.Frame{...})
//
// # Thread Safety
//
// Coordinator and Instance are safe for concurrent use by many interpreter
// threads. A Frame belongs to the thread running that activation. Scratch
// buffers handed out in a transfer are owned by the receiving loop entry.
package wasmtierup
