package wasm

import (
	"github.com/wippyai/wasm-calltrace/wasm/internal/binary"
)

// Encode encodes the module to the binary format.
func (m *Module) Encode() []byte {
	w := binary.NewWriter()
	w.WriteU32LE(Magic)
	w.WriteU32LE(Version)

	m.writeCustomSections(w, 0)
	for _, id := range sectionSequence {
		if payload, ok := m.encodeSection(id); ok {
			w.WriteSection(id, payload)
		}
		m.writeCustomSections(w, id)
	}
	return w.Bytes()
}

func (m *Module) writeCustomSections(w *binary.Writer, after byte) {
	for _, cs := range m.CustomSections {
		if cs.After != after {
			continue
		}
		sec := binary.NewWriter()
		sec.WriteName(cs.Name)
		sec.WriteBytes(cs.Data)
		w.WriteSection(SectionCustom, sec.Bytes())
	}
}

func (m *Module) encodeSection(id byte) ([]byte, bool) {
	sec := binary.NewWriter()
	switch id {
	case SectionType:
		if len(m.Types) == 0 {
			return nil, false
		}
		sec.WriteU32(uint32(len(m.Types)))
		for _, ft := range m.Types {
			sec.Byte(FuncTypeByte)
			writeValTypes(sec, ft.Params)
			writeValTypes(sec, ft.Results)
		}
	case SectionImport:
		if len(m.Imports) == 0 {
			return nil, false
		}
		sec.WriteU32(uint32(len(m.Imports)))
		for _, imp := range m.Imports {
			writeImport(sec, imp)
		}
	case SectionFunction:
		if len(m.Funcs) == 0 {
			return nil, false
		}
		sec.WriteU32(uint32(len(m.Funcs)))
		for _, t := range m.Funcs {
			sec.WriteU32(t)
		}
	case SectionTable:
		if len(m.Tables) == 0 {
			return nil, false
		}
		sec.WriteU32(uint32(len(m.Tables)))
		for _, t := range m.Tables {
			writeTableType(sec, t)
		}
	case SectionMemory:
		if len(m.Memories) == 0 {
			return nil, false
		}
		sec.WriteU32(uint32(len(m.Memories)))
		for _, mem := range m.Memories {
			writeLimits(sec, mem.Limits)
		}
	case SectionTag:
		if len(m.Tags) == 0 {
			return nil, false
		}
		sec.WriteU32(uint32(len(m.Tags)))
		for _, t := range m.Tags {
			sec.Byte(t.Attribute)
			sec.WriteU32(t.TypeIdx)
		}
	case SectionGlobal:
		if len(m.Globals) == 0 {
			return nil, false
		}
		sec.WriteU32(uint32(len(m.Globals)))
		for _, g := range m.Globals {
			writeGlobalType(sec, g.Type)
			sec.WriteBytes(g.Init)
		}
	case SectionExport:
		if len(m.Exports) == 0 {
			return nil, false
		}
		sec.WriteU32(uint32(len(m.Exports)))
		for _, exp := range m.Exports {
			sec.WriteName(exp.Name)
			sec.Byte(exp.Kind)
			sec.WriteU32(exp.Idx)
		}
	case SectionStart:
		if m.Start == nil {
			return nil, false
		}
		sec.WriteU32(*m.Start)
	case SectionElement:
		if len(m.Elements) == 0 {
			return nil, false
		}
		sec.WriteU32(uint32(len(m.Elements)))
		for _, el := range m.Elements {
			writeElement(sec, el)
		}
	case SectionDataCount:
		if m.DataCount == nil {
			return nil, false
		}
		sec.WriteU32(*m.DataCount)
	case SectionCode:
		if len(m.Code) == 0 {
			return nil, false
		}
		sec.WriteU32(uint32(len(m.Code)))
		for _, body := range m.Code {
			b := binary.NewWriter()
			b.WriteU32(uint32(len(body.Locals)))
			for _, l := range body.Locals {
				b.WriteU32(l.Count)
				b.Byte(byte(l.ValType))
			}
			b.WriteBytes(body.Code)
			sec.WriteU32(uint32(b.Len()))
			sec.WriteBytes(b.Bytes())
		}
	case SectionData:
		if len(m.Data) == 0 {
			return nil, false
		}
		sec.WriteU32(uint32(len(m.Data)))
		for _, seg := range m.Data {
			sec.WriteU32(seg.Flags)
			if seg.Flags == 2 {
				sec.WriteU32(seg.MemIdx)
			}
			if seg.Flags != 1 {
				sec.WriteBytes(seg.Offset)
			}
			sec.WriteU32(uint32(len(seg.Init)))
			sec.WriteBytes(seg.Init)
		}
	default:
		return nil, false
	}
	return sec.Bytes(), true
}

func writeValTypes(w *binary.Writer, types []ValType) {
	w.WriteU32(uint32(len(types)))
	for _, t := range types {
		w.Byte(byte(t))
	}
}

func writeImport(w *binary.Writer, imp Import) {
	w.WriteName(imp.Module)
	w.WriteName(imp.Name)
	w.Byte(imp.Desc.Kind)
	switch imp.Desc.Kind {
	case KindFunc:
		w.WriteU32(imp.Desc.TypeIdx)
	case KindTable:
		writeTableType(w, *imp.Desc.Table)
	case KindMemory:
		writeLimits(w, imp.Desc.Memory.Limits)
	case KindGlobal:
		writeGlobalType(w, *imp.Desc.Global)
	case KindTag:
		w.Byte(imp.Desc.Tag.Attribute)
		w.WriteU32(imp.Desc.Tag.TypeIdx)
	}
}

func writeTableType(w *binary.Writer, t TableType) {
	w.Byte(byte(t.ElemType))
	writeLimits(w, t.Limits)
}

func writeLimits(w *binary.Writer, l Limits) {
	w.Byte(l.Flags)
	w.WriteU64(l.Min)
	if l.HasMax() {
		w.WriteU64(l.Max)
	}
}

func writeGlobalType(w *binary.Writer, g GlobalType) {
	w.Byte(byte(g.ValType))
	if g.Mutable {
		w.Byte(1)
	} else {
		w.Byte(0)
	}
}

func writeElement(w *binary.Writer, el Element) {
	w.WriteU32(el.Flags)
	if el.Active() {
		if el.Flags&0x02 != 0 {
			w.WriteU32(el.TableIdx)
		}
		w.WriteBytes(el.Offset)
	}
	if el.Flags&0x03 != 0 {
		if el.UsesExprs() {
			w.Byte(byte(el.RefType))
		} else {
			w.Byte(el.ElemKind)
		}
	}
	if el.UsesExprs() {
		w.WriteU32(uint32(len(el.Exprs)))
		for _, e := range el.Exprs {
			w.WriteBytes(e)
		}
		return
	}
	w.WriteU32(uint32(len(el.FuncIdxs)))
	for _, idx := range el.FuncIdxs {
		w.WriteU32(idx)
	}
}
