// Package backend provides optimizing tiers for the tier-up coordinator.
//
// Wazero compiles each module once per execution mode into native code.
// Before compiling, the module is augmented: every defined function is
// exported under a private name, and every top-level loop gets a
// synthesized entry function that takes the activation's locals as
// parameters and starts at the loop header. Transferring into a loop is then
// an ordinary call with the deserialized transplant buffer as arguments.
//
// The compiled instance owns its own memory, tables and globals and has no
// host imports. Compile therefore only accepts functions that, along with
// everything they call, keep their state in locals and operands; the rest
// fail with an unsupported error and stay in the interpreter.
//
//	comp, err := backend.NewWazero(ctx, backend.Config{CodeBudget: "64MiB"})
//	if err != nil {
//		return err
//	}
//	defer comp.Close(ctx)
//
//	coord, err := tierup.New(tierup.DefaultConfig(), comp)
//
// Func adapts an ordinary function to the Compiler interface.
package backend
