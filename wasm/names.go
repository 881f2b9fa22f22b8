package wasm

import (
	"fmt"
	"sort"

	"github.com/wippyai/wasm-calltrace/wasm/internal/binary"
)

// NameSection is the decoded "name" custom section.
type NameSection struct {
	Module    string
	HasModule bool
	Functions NameMap
	Locals    IndirectNameMap
	Labels    IndirectNameMap

	// Other keeps subsections this package does not interpret, in order.
	Other []NameSubsection
}

// NameSubsection is an uninterpreted subsection.
type NameSubsection struct {
	ID   byte
	Data []byte
}

// NameAssoc pairs an index with a name.
type NameAssoc struct {
	Index uint32
	Name  string
}

// NameMap is a list of associations sorted by index.
type NameMap []NameAssoc

// Lookup returns the name recorded for idx.
func (nm NameMap) Lookup(idx uint32) (string, bool) {
	i := sort.Search(len(nm), func(i int) bool { return nm[i].Index >= idx })
	if i < len(nm) && nm[i].Index == idx {
		return nm[i].Name, true
	}
	return "", false
}

// Set records name for idx, keeping the map sorted.
func (nm *NameMap) Set(idx uint32, name string) {
	s := *nm
	i := sort.Search(len(s), func(i int) bool { return s[i].Index >= idx })
	if i < len(s) && s[i].Index == idx {
		s[i].Name = name
		return
	}
	s = append(s, NameAssoc{})
	copy(s[i+1:], s[i:])
	s[i] = NameAssoc{Index: idx, Name: name}
	*nm = s
}

// IndirectNameAssoc holds the names nested under one function.
type IndirectNameAssoc struct {
	Index uint32
	Names NameMap
}

// IndirectNameMap is a list of nested maps sorted by outer index.
type IndirectNameMap []IndirectNameAssoc

// NameSection decodes the module's name section. It returns nil and no
// error when the module has none.
func (m *Module) NameSection() (*NameSection, error) {
	cs, ok := m.CustomSection(NameSectionName)
	if !ok {
		return nil, nil
	}
	return ParseNameSection(cs.Data)
}

// SetNameSection replaces the module's name section, adding one after the
// last known section if the module had none.
func (m *Module) SetNameSection(ns *NameSection) {
	data := ns.Encode()
	if cs, ok := m.CustomSection(NameSectionName); ok {
		cs.Data = data
		return
	}
	m.CustomSections = append(m.CustomSections, CustomSection{
		Name:  NameSectionName,
		Data:  data,
		After: SectionData,
	})
}

// ParseNameSection decodes the payload of a name section.
func ParseNameSection(data []byte) (*NameSection, error) {
	r := binary.NewReader(data, 0)
	ns := &NameSection{}
	last := -1
	for r.Len() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return nil, r.WrapError("name section", err)
		}
		if int(id) <= last {
			return nil, fmt.Errorf("name subsection %d out of order", id)
		}
		last = int(id)
		size, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("name section", err)
		}
		base := r.Position()
		payload, err := r.ReadBytes(int(size))
		if err != nil {
			return nil, r.WrapError("name section", err)
		}
		sr := binary.NewReader(payload, base)
		switch id {
		case NameSubsectionModule:
			ns.Module, err = sr.ReadName()
			ns.HasModule = err == nil
		case NameSubsectionFunctions:
			ns.Functions, err = readNameMap(sr)
		case NameSubsectionLocals:
			ns.Locals, err = readIndirectNameMap(sr)
		case NameSubsectionLabels:
			ns.Labels, err = readIndirectNameMap(sr)
		default:
			ns.Other = append(ns.Other, NameSubsection{ID: id, Data: cloneBytes(payload)})
			continue
		}
		if err != nil {
			return nil, sr.WrapError("name subsection", err)
		}
	}
	return ns, nil
}

func readNameMap(r *binary.Reader) (NameMap, error) {
	var nm NameMap
	err := parseVec(r, func() error {
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		nm = append(nm, NameAssoc{Index: idx, Name: name})
		return nil
	})
	// producers are expected to sort by index; tolerate those that do not
	sort.SliceStable(nm, func(i, j int) bool { return nm[i].Index < nm[j].Index })
	return nm, err
}

func readIndirectNameMap(r *binary.Reader) (IndirectNameMap, error) {
	var im IndirectNameMap
	err := parseVec(r, func() error {
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		names, err := readNameMap(r)
		if err != nil {
			return err
		}
		im = append(im, IndirectNameAssoc{Index: idx, Names: names})
		return nil
	})
	return im, err
}

// Encode encodes the section payload, without the custom section header.
func (ns *NameSection) Encode() []byte {
	w := binary.NewWriter()
	if ns.HasModule {
		sub := binary.NewWriter()
		sub.WriteName(ns.Module)
		w.WriteSection(NameSubsectionModule, sub.Bytes())
	}
	if len(ns.Functions) > 0 {
		sub := binary.NewWriter()
		writeNameMap(sub, ns.Functions)
		w.WriteSection(NameSubsectionFunctions, sub.Bytes())
	}
	if len(ns.Locals) > 0 {
		sub := binary.NewWriter()
		writeIndirectNameMap(sub, ns.Locals)
		w.WriteSection(NameSubsectionLocals, sub.Bytes())
	}
	if len(ns.Labels) > 0 {
		sub := binary.NewWriter()
		writeIndirectNameMap(sub, ns.Labels)
		w.WriteSection(NameSubsectionLabels, sub.Bytes())
	}
	for _, o := range ns.Other {
		w.WriteSection(o.ID, o.Data)
	}
	return w.Bytes()
}

func writeNameMap(w *binary.Writer, nm NameMap) {
	w.WriteU32(uint32(len(nm)))
	for _, a := range nm {
		w.WriteU32(a.Index)
		w.WriteName(a.Name)
	}
}

func writeIndirectNameMap(w *binary.Writer, im IndirectNameMap) {
	w.WriteU32(uint32(len(im)))
	for _, a := range im {
		w.WriteU32(a.Index)
		writeNameMap(w, a.Names)
	}
}

// RemapFunctionIndices rewrites every function index key of the section.
// remap must preserve order.
func (ns *NameSection) RemapFunctionIndices(remap func(uint32) uint32) {
	for i := range ns.Functions {
		ns.Functions[i].Index = remap(ns.Functions[i].Index)
	}
	for i := range ns.Locals {
		ns.Locals[i].Index = remap(ns.Locals[i].Index)
	}
	for i := range ns.Labels {
		ns.Labels[i].Index = remap(ns.Labels[i].Index)
	}
}
