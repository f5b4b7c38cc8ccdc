package wasm

import (
	"sort"

	"github.com/wippyai/wasm-tierup/wasm/internal/binary"
)

type encodedSection struct {
	payload []byte
	id      byte
	order   int
	seq     int
}

// Encode serializes the module. Type, function, export and code sections are
// rebuilt from the decoded fields; every other section is copied verbatim.
func (m *Module) Encode() []byte {
	var sections []encodedSection
	add := func(id byte, order int, payload []byte) {
		sections = append(sections, encodedSection{id: id, order: order, payload: payload, seq: len(sections)})
	}

	for _, s := range m.raw {
		order := s.order
		if s.id != SectionCustom {
			order = sectionOrder(s.id)
		}
		add(s.id, order, s.payload)
	}
	if len(m.Types) > 0 {
		add(SectionType, sectionOrder(SectionType), m.encodeTypes())
	}
	if len(m.Funcs) > 0 {
		add(SectionFunction, sectionOrder(SectionFunction), m.encodeFuncs())
	}
	if len(m.Exports) > 0 {
		add(SectionExport, sectionOrder(SectionExport), m.encodeExports())
	}
	if len(m.Code) > 0 {
		add(SectionCode, sectionOrder(SectionCode), m.encodeCode())
	}

	// Custom sections sort after the non-custom section they followed.
	sort.SliceStable(sections, func(i, j int) bool {
		a, b := sections[i], sections[j]
		if a.order != b.order {
			return a.order < b.order
		}
		if (a.id == SectionCustom) != (b.id == SectionCustom) {
			return b.id == SectionCustom
		}
		return a.seq < b.seq
	})

	w := binary.NewWriter()
	w.WriteU32LE(Magic)
	w.WriteU32LE(Version)
	for _, s := range sections {
		w.Byte(s.id)
		w.WriteVec(s.payload)
	}
	return w.Bytes()
}

func (m *Module) encodeTypes() []byte {
	w := binary.NewWriter()
	w.WriteU32(uint32(len(m.Types)))
	for _, t := range m.Types {
		w.Byte(funcTypeForm)
		writeValTypes(w, t.Params)
		writeValTypes(w, t.Results)
	}
	return w.Bytes()
}

func writeValTypes(w *binary.Writer, types []ValType) {
	w.WriteU32(uint32(len(types)))
	for _, t := range types {
		w.Byte(byte(t))
	}
}

func (m *Module) encodeFuncs() []byte {
	w := binary.NewWriter()
	w.WriteU32(uint32(len(m.Funcs)))
	for _, idx := range m.Funcs {
		w.WriteU32(idx)
	}
	return w.Bytes()
}

func (m *Module) encodeExports() []byte {
	w := binary.NewWriter()
	w.WriteU32(uint32(len(m.Exports)))
	for _, e := range m.Exports {
		w.WriteName(e.Name)
		w.Byte(e.Kind)
		w.WriteU32(e.Index)
	}
	return w.Bytes()
}

func (m *Module) encodeCode() []byte {
	w := binary.NewWriter()
	w.WriteU32(uint32(len(m.Code)))
	for _, body := range m.Code {
		bw := binary.NewWriter()
		bw.WriteU32(uint32(len(body.Locals)))
		for _, l := range body.Locals {
			bw.WriteU32(l.Count)
			bw.Byte(byte(l.Type))
		}
		bw.WriteBytes(body.Code)
		w.WriteVec(bw.Bytes())
	}
	return w.Bytes()
}
