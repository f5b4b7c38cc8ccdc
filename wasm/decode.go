package wasm

import (
	"errors"
	"fmt"
	"io"

	"github.com/wippyai/wasm-tierup/wasm/internal/binary"
)

// Parsing errors returned by ParseModule.
var (
	ErrInvalidMagic   = errors.New("invalid wasm magic number")
	ErrInvalidVersion = errors.New("invalid wasm version")
	ErrUnsupported    = errors.New("unsupported wasm feature")
)

// ParseModule parses a WebAssembly binary module
func ParseModule(data []byte) (*Module, error) {
	r := binary.NewReader(data)

	magic, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if magic != Magic {
		return nil, ErrInvalidMagic
	}

	version, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if version != Version {
		return nil, ErrInvalidVersion
	}

	m := &Module{}
	var lastSectionOrder int

	for {
		sectionID, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, r.WrapError("section header", err)
		}

		if sectionID != SectionCustom {
			order := sectionOrder(sectionID)
			if order < 0 {
				return nil, fmt.Errorf("unknown section ID: 0x%02x", sectionID)
			}
			if order <= lastSectionOrder {
				return nil, fmt.Errorf("section %d appears out of order", sectionID)
			}
			lastSectionOrder = order
		}

		sectionSize, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("section size", err)
		}
		sectionData, err := r.ReadBytes(int(sectionSize))
		if err != nil {
			return nil, r.WrapError("section data", err)
		}

		sr := binary.NewReader(sectionData)

		switch sectionID {
		case SectionType:
			if err := parseTypeSection(sr, m); err != nil {
				return nil, fmt.Errorf("type section: %w", err)
			}
		case SectionImport:
			if err := parseImportSection(sr, m); err != nil {
				return nil, fmt.Errorf("import section: %w", err)
			}
			m.keepRaw(sectionID, lastSectionOrder, sectionData)
		case SectionFunction:
			if err := parseFunctionSection(sr, m); err != nil {
				return nil, fmt.Errorf("function section: %w", err)
			}
		case SectionExport:
			if err := parseExportSection(sr, m); err != nil {
				return nil, fmt.Errorf("export section: %w", err)
			}
		case SectionCode:
			if err := parseCodeSection(sr, m); err != nil {
				return nil, fmt.Errorf("code section: %w", err)
			}
		case SectionTag:
			if err := parseTagSection(sr, m); err != nil {
				return nil, fmt.Errorf("tag section: %w", err)
			}
			m.keepRaw(sectionID, lastSectionOrder, sectionData)
		default:
			m.keepRaw(sectionID, lastSectionOrder, sectionData)
		}
	}

	if len(m.Funcs) != len(m.Code) {
		return nil, fmt.Errorf("function and code section counts differ: %d vs %d", len(m.Funcs), len(m.Code))
	}
	for i, typeIdx := range m.Funcs {
		if int(typeIdx) >= len(m.Types) {
			return nil, fmt.Errorf("function %d: type index %d out of range", int(m.NumImportedFuncs())+i, typeIdx)
		}
	}

	return m, nil
}

func (m *Module) keepRaw(id byte, order int, payload []byte) {
	m.raw = append(m.raw, rawSection{id: id, order: order, payload: payload})
}

// sectionOrder returns the canonical ordering for a section ID, or -1.
// WASM requires sections in a specific order, which differs from section IDs.
func sectionOrder(id byte) int {
	switch id {
	case SectionType:
		return 1
	case SectionImport:
		return 2
	case SectionFunction:
		return 3
	case SectionTable:
		return 4
	case SectionMemory:
		return 5
	case SectionTag:
		return 6
	case SectionGlobal:
		return 7
	case SectionExport:
		return 8
	case SectionStart:
		return 9
	case SectionElement:
		return 10
	case SectionDataCount:
		return 11
	case SectionCode:
		return 12
	case SectionData:
		return 13
	}
	return -1
}

func parseTypeSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Types = make([]FuncType, 0, count)
	for i := uint32(0); i < count; i++ {
		form, err := r.ReadByte()
		if err != nil {
			return err
		}
		if form != funcTypeForm {
			return fmt.Errorf("type %d: form 0x%02x: %w", i, form, ErrUnsupported)
		}
		params, err := readValTypes(r)
		if err != nil {
			return fmt.Errorf("type %d params: %w", i, err)
		}
		results, err := readValTypes(r)
		if err != nil {
			return fmt.Errorf("type %d results: %w", i, err)
		}
		m.Types = append(m.Types, FuncType{Params: params, Results: results})
	}
	return nil
}

func readValTypes(r *binary.Reader) ([]ValType, error) {
	count, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	types := make([]ValType, count)
	for i := range types {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if !isValType(b) {
			return nil, fmt.Errorf("value type 0x%02x: %w", b, ErrUnsupported)
		}
		types[i] = ValType(b)
	}
	return types, nil
}

func parseImportSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		if _, err := r.ReadName(); err != nil {
			return err
		}
		if _, err := r.ReadName(); err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		m.ImportKinds = append(m.ImportKinds, kind)
		switch kind {
		case KindFunc:
			typeIdx, err := r.ReadU32()
			if err != nil {
				return err
			}
			m.ImportedFuncTypes = append(m.ImportedFuncTypes, typeIdx)
		case KindTable:
			ref, err := r.ReadByte()
			if err != nil {
				return err
			}
			if ValType(ref) != ValFuncRef && ValType(ref) != ValExtern {
				return fmt.Errorf("import %d: table element 0x%02x: %w", i, ref, ErrUnsupported)
			}
			if err := skipLimits(r); err != nil {
				return err
			}
		case KindMemory:
			if err := skipLimits(r); err != nil {
				return err
			}
		case KindGlobal:
			if _, err := r.ReadByte(); err != nil {
				return err
			}
			if _, err := r.ReadByte(); err != nil {
				return err
			}
		case KindTag:
			if _, err := r.ReadByte(); err != nil {
				return err
			}
			typeIdx, err := r.ReadU32()
			if err != nil {
				return err
			}
			m.TagTypes = append(m.TagTypes, typeIdx)
		default:
			return fmt.Errorf("import %d: unknown kind 0x%02x", i, kind)
		}
	}
	return nil
}

func skipLimits(r *binary.Reader) error {
	flags, err := r.ReadByte()
	if err != nil {
		return err
	}
	if _, err := r.ReadU64(); err != nil {
		return err
	}
	if flags&0x01 != 0 {
		if _, err := r.ReadU64(); err != nil {
			return err
		}
	}
	return nil
}

func parseFunctionSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Funcs = make([]uint32, count)
	for i := range m.Funcs {
		if m.Funcs[i], err = r.ReadU32(); err != nil {
			return err
		}
	}
	return nil
}

func parseExportSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Exports = make([]Export, count)
	for i := range m.Exports {
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		m.Exports[i] = Export{Name: name, Kind: kind, Index: idx}
	}
	return nil
}

func parseCodeSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Code = make([]FuncBody, count)
	for i := range m.Code {
		bodySize, err := r.ReadU32()
		if err != nil {
			return err
		}
		bodyData, err := r.ReadBytes(int(bodySize))
		if err != nil {
			return err
		}

		br := binary.NewReader(bodyData)
		groups, err := br.ReadU32()
		if err != nil {
			return err
		}
		locals := make([]LocalEntry, 0, groups)
		for j := uint32(0); j < groups; j++ {
			n, err := br.ReadU32()
			if err != nil {
				return err
			}
			t, err := br.ReadByte()
			if err != nil {
				return err
			}
			if !isValType(t) {
				return fmt.Errorf("body %d: local type 0x%02x: %w", i, t, ErrUnsupported)
			}
			locals = append(locals, LocalEntry{Count: n, Type: ValType(t)})
		}

		m.Code[i] = FuncBody{Locals: locals, Code: br.ReadRemaining()}
	}
	return nil
}

func parseTagSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		if _, err := r.ReadByte(); err != nil {
			return err
		}
		typeIdx, err := r.ReadU32()
		if err != nil {
			return err
		}
		m.TagTypes = append(m.TagTypes, typeIdx)
	}
	return nil
}
