// Package osr describes the live state at loop headers and moves it between
// the interpreter and optimized code.
//
// Analyze walks a function body once and produces a Table with one
// Descriptor per loop opcode. At a back-edge the interpreter checks out a
// Buffer from a Pool, Serialize writes its locals, exception values and
// operand stack in the order fixed by SchemaFor, and the optimized loop
// entry reads them back with Deserialize. Both sides compare the buffer
// length against the schema, so a layout mismatch fails loudly instead of
// resuming with shuffled values.
package osr
