package osr

import (
	"github.com/wippyai/wasm-tierup/errors"
)

// SchemaVersion is stamped into every serialized buffer. Bump it whenever the
// field order below changes.
const SchemaVersion uint16 = 1

// FieldKind is one category of transplanted state.
type FieldKind uint8

const (
	FieldLoopID FieldKind = iota
	FieldLocal
	FieldExceptionValue
	FieldStackValue
)

func (k FieldKind) String() string {
	switch k {
	case FieldLoopID:
		return "loop-id"
	case FieldLocal:
		return "local"
	case FieldExceptionValue:
		return "exception-value"
	case FieldStackValue:
		return "stack-value"
	}
	return "unknown"
}

// Field is a run of Count values of one kind. Header fields live in the
// buffer header rather than in Values.
type Field struct {
	Kind   FieldKind
	Count  int
	Header bool
}

// Schema is the ordered field list shared by Serialize and Deserialize.
type Schema struct {
	Fields  []Field
	Version uint16
}

// SchemaFor returns the transplant layout for a loop: loop id, then locals
// low to high, then saved exception values, then live stack values bottom
// to top.
func SchemaFor(d Descriptor) Schema {
	return Schema{
		Version: SchemaVersion,
		Fields: []Field{
			{Kind: FieldLoopID, Count: 1, Header: true},
			{Kind: FieldLocal, Count: int(d.LocalCount)},
			{Kind: FieldExceptionValue, Count: int(d.ExceptionDepth)},
			{Kind: FieldStackValue, Count: int(d.StackCount)},
		},
	}
}

// ValueCount is the number of values the schema places in Buffer.Values.
func (s Schema) ValueCount() int {
	n := 0
	for _, f := range s.Fields {
		if !f.Header {
			n += f.Count
		}
	}
	return n
}

// State is the interpreter's view of an activation at a loop header.
type State struct {
	Locals          []uint64
	ExceptionValues []uint64
	Stack           []uint64
}

func (s *State) field(k FieldKind) []uint64 {
	switch k {
	case FieldLocal:
		return s.Locals
	case FieldExceptionValue:
		return s.ExceptionValues
	case FieldStackValue:
		return s.Stack
	}
	return nil
}

func (s *State) setField(k FieldKind, v []uint64) {
	switch k {
	case FieldLocal:
		s.Locals = v
	case FieldExceptionValue:
		s.ExceptionValues = v
	case FieldStackValue:
		s.Stack = v
	}
}

// Serialize writes st into buf following SchemaFor(d). The buffer must have
// capacity for the schema's value count; a short buffer is reported as
// resource exhaustion and left untouched.
func Serialize(d Descriptor, st State, buf *Buffer) error {
	schema := SchemaFor(d)
	want := schema.ValueCount()
	if buf == nil || cap(buf.Values) < want {
		have := 0
		if buf != nil {
			have = cap(buf.Values)
		}
		return errors.ResourceExhaustion(errors.PhaseOSR, want, have)
	}

	for _, f := range schema.Fields {
		if f.Header {
			continue
		}
		if got := len(st.field(f.Kind)); got != f.Count {
			return errors.Invariant(errors.PhaseOSR, "loop %d: %d %s values, descriptor expects %d", d.LoopID, got, f.Kind, f.Count)
		}
	}

	values := buf.Values[:0]
	for _, f := range schema.Fields {
		if !f.Header {
			values = append(values, st.field(f.Kind)...)
		}
	}
	if len(values) != want {
		return errors.Invariant(errors.PhaseOSR, "loop %d: serialized %d values, schema expects %d", d.LoopID, len(values), want)
	}

	buf.Values = values
	buf.LoopID = d.LoopID
	buf.Version = schema.Version
	return nil
}

// Deserialize splits buf back into an activation state. The returned slices
// alias buf.Values.
func Deserialize(d Descriptor, buf *Buffer) (State, error) {
	schema := SchemaFor(d)
	if buf == nil {
		return State{}, errors.InvalidInput(errors.PhaseOSR, "nil buffer")
	}
	if buf.Version != schema.Version {
		return State{}, errors.Invariant(errors.PhaseOSR, "buffer schema version %d, expected %d", buf.Version, schema.Version)
	}
	if buf.LoopID != d.LoopID {
		return State{}, errors.Invariant(errors.PhaseOSR, "buffer holds loop %d, expected loop %d", buf.LoopID, d.LoopID)
	}
	if want := schema.ValueCount(); len(buf.Values) != want {
		return State{}, errors.Invariant(errors.PhaseOSR, "loop %d: buffer has %d values, schema expects %d", d.LoopID, len(buf.Values), want)
	}

	var st State
	pos := 0
	for _, f := range schema.Fields {
		if f.Header {
			continue
		}
		st.setField(f.Kind, buf.Values[pos:pos+f.Count:pos+f.Count])
		pos += f.Count
	}
	return st, nil
}
