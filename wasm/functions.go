package wasm

import (
	"fmt"
	"strings"
)

// FunctionDescriptor describes one entry of the function index space.
type FunctionDescriptor struct {
	// ID is the function index: imports first, then defined functions in
	// declaration order.
	ID      uint32
	TypeIdx uint32

	// Name is the name section entry, or the first export name when the
	// name section has none. HasName is false when neither exists.
	Name    string
	HasName bool

	// DebugName is set only when the name section carried an entry.
	DebugName string

	Params   []ValType
	Results  []ValType
	Imported bool

	// ExportNames lists every export of this function in export order.
	ExportNames []string
}

// Exported reports whether the function is exported under any name.
func (d FunctionDescriptor) Exported() bool {
	return len(d.ExportNames) > 0
}

// Signature returns the function type.
func (d FunctionDescriptor) Signature() FuncType {
	return FuncType{Params: d.Params, Results: d.Results}
}

// String renders the descriptor as a text format function header, for
// example (func $add (param i32 i32) (result i32)).
func (d FunctionDescriptor) String() string {
	var b strings.Builder
	b.WriteString("(func")
	if d.HasName {
		b.WriteString(" $")
		b.WriteString(textIdentifier(d.Name))
	}
	b.WriteString(SignatureText(d.Signature()))
	b.WriteString(")")
	return b.String()
}

// SignatureText renders the param and result clauses of ft, each preceded
// by a space. An empty signature renders as the empty string.
func SignatureText(ft FuncType) string {
	var b strings.Builder
	writeClause(&b, "param", ft.Params)
	writeClause(&b, "result", ft.Results)
	return b.String()
}

func writeClause(b *strings.Builder, keyword string, types []ValType) {
	if len(types) == 0 {
		return
	}
	b.WriteString(" (")
	b.WriteString(keyword)
	for _, t := range types {
		b.WriteByte(' ')
		b.WriteString(t.String())
	}
	b.WriteByte(')')
}

// textIdentifier quotes names that are not valid bare text identifiers.
func textIdentifier(name string) string {
	if name == "" {
		return `""`
	}
	for _, c := range name {
		if c <= ' ' || c > '~' || strings.ContainsRune(`"(),;[]{}`, c) {
			return fmt.Sprintf("%q", name)
		}
	}
	return name
}

// Functions returns a descriptor for every function in index order.
func (m *Module) Functions() ([]FunctionDescriptor, error) {
	names, err := m.NameSection()
	if err != nil {
		return nil, fmt.Errorf("name section: %w", err)
	}

	exports := make(map[uint32][]string)
	for _, exp := range m.Exports {
		if exp.Kind == KindFunc {
			exports[exp.Idx] = append(exports[exp.Idx], exp.Name)
		}
	}

	out := make([]FunctionDescriptor, 0, m.NumFuncs())
	add := func(typeIdx uint32, imported bool) error {
		id := uint32(len(out))
		if int(typeIdx) >= len(m.Types) {
			return fmt.Errorf("function %d: type index %d out of range", id, typeIdx)
		}
		ft := m.Types[typeIdx]
		d := FunctionDescriptor{
			ID:          id,
			TypeIdx:     typeIdx,
			Params:      ft.Params,
			Results:     ft.Results,
			Imported:    imported,
			ExportNames: exports[id],
		}
		if names != nil {
			d.DebugName, _ = names.Functions.Lookup(id)
			if d.DebugName != "" {
				d.Name, d.HasName = d.DebugName, true
			}
		}
		if !d.HasName && len(d.ExportNames) > 0 {
			d.Name, d.HasName = d.ExportNames[0], true
		}
		out = append(out, d)
		return nil
	}

	for _, imp := range m.Imports {
		if imp.Desc.Kind != KindFunc {
			continue
		}
		if err := add(imp.Desc.TypeIdx, true); err != nil {
			return nil, err
		}
	}
	for _, t := range m.Funcs {
		if err := add(t, false); err != nil {
			return nil, err
		}
	}
	return out, nil
}
