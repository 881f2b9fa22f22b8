package wasm

import (
	"fmt"
	"sort"
)

// ElemKindFuncRef is the elemkind byte of segments holding function indices.
const ElemKindFuncRef byte = 0x00

// DeclaredFuncRefs returns the functions a code body may name with
// ref.func: those referenced by exports, element segments and global
// initializers.
func (m *Module) DeclaredFuncRefs() (map[uint32]bool, error) {
	declared := make(map[uint32]bool)
	collect := func(expr []byte) error {
		_, err := ScanInstructions(expr, func(ins Instruction) error {
			if ins.Opcode == OpRefFunc {
				declared[ins.FuncIdx] = true
			}
			return nil
		})
		return err
	}
	for _, exp := range m.Exports {
		if exp.Kind == KindFunc {
			declared[exp.Idx] = true
		}
	}
	for i, g := range m.Globals {
		if err := collect(g.Init); err != nil {
			return nil, fmt.Errorf("global %d initializer: %w", i, err)
		}
	}
	for i, el := range m.Elements {
		for _, idx := range el.FuncIdxs {
			declared[idx] = true
		}
		for j, e := range el.Exprs {
			if err := collect(e); err != nil {
				return nil, fmt.Errorf("element %d, expression %d: %w", i, j, err)
			}
		}
	}
	return declared, nil
}

// UndeclaredFuncRefs returns, in ascending order, the targets of ref.func
// instructions in code bodies that nothing declares.
func (m *Module) UndeclaredFuncRefs() ([]uint32, error) {
	declared, err := m.DeclaredFuncRefs()
	if err != nil {
		return nil, err
	}
	seen := make(map[uint32]bool)
	var out []uint32
	base := m.NumImportedFuncs()
	for i, body := range m.Code {
		_, err := ScanInstructions(body.Code, func(ins Instruction) error {
			if ins.Opcode == OpRefFunc && !declared[ins.FuncIdx] && !seen[ins.FuncIdx] {
				seen[ins.FuncIdx] = true
				out = append(out, ins.FuncIdx)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("function %d: %w", base+i, err)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// DeclareFuncRefs appends a declarative element segment for every
// undeclared ref.func target and returns the declared indices.
func (m *Module) DeclareFuncRefs() ([]uint32, error) {
	missing, err := m.UndeclaredFuncRefs()
	if err != nil || len(missing) == 0 {
		return nil, err
	}
	m.Elements = append(m.Elements, Element{
		Flags:    3,
		ElemKind: ElemKindFuncRef,
		RefType:  ValFuncRef,
		FuncIdxs: missing,
	})
	return missing, nil
}
