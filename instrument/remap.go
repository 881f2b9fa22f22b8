package instrument

import (
	"fmt"

	"github.com/wippyai/wasm-calltrace/wasm"
)

// remapModule rewrites every function index outside the export section.
// Code bodies go through redirect so direct calls can be sent to shims;
// every other position uses shift.
func remapModule(m *wasm.Module, shift func(uint32) uint32, redirect func(uint32, wasm.Instruction) uint32) error {
	byShift := func(idx uint32, _ wasm.Instruction) uint32 { return shift(idx) }

	base := m.NumImportedFuncs()
	for i := range m.Code {
		code, err := wasm.RemapFuncRefs(m.Code[i].Code, redirect)
		if err != nil {
			return fmt.Errorf("function %d: %w", base+i, err)
		}
		m.Code[i].Code = code
	}

	for i := range m.Globals {
		init, err := wasm.RemapFuncRefs(m.Globals[i].Init, byShift)
		if err != nil {
			return fmt.Errorf("global %d: %w", i, err)
		}
		m.Globals[i].Init = init
	}

	for i := range m.Elements {
		el := &m.Elements[i]
		for j, idx := range el.FuncIdxs {
			el.FuncIdxs[j] = shift(idx)
		}
		for j := range el.Exprs {
			expr, err := wasm.RemapFuncRefs(el.Exprs[j], byShift)
			if err != nil {
				return fmt.Errorf("element %d, expression %d: %w", i, j, err)
			}
			el.Exprs[j] = expr
		}
		if el.Offset != nil {
			off, err := wasm.RemapFuncRefs(el.Offset, byShift)
			if err != nil {
				return fmt.Errorf("element %d offset: %w", i, err)
			}
			el.Offset = off
		}
	}

	for i := range m.Data {
		if m.Data[i].Offset == nil {
			continue
		}
		off, err := wasm.RemapFuncRefs(m.Data[i].Offset, byShift)
		if err != nil {
			return fmt.Errorf("data %d offset: %w", i, err)
		}
		m.Data[i].Offset = off
	}

	if m.Start != nil {
		start := shift(*m.Start)
		m.Start = &start
	}
	return nil
}

// renameFunctions keeps an existing name section in step with the new
// index space and names the hooks and shims. Modules without one are left
// without one.
func renameFunctions(m *wasm.Module, res *Result, shift func(uint32) uint32) error {
	ns, err := m.NameSection()
	if err != nil {
		return fmt.Errorf("name section: %w", err)
	}
	if ns == nil {
		return nil
	}
	ns.RemapFunctionIndices(shift)
	ns.Functions.Set(res.EnterIndex, EnterHook)
	ns.Functions.Set(res.ExitIndex, ExitHook)
	for _, w := range res.Wrappers {
		ns.Functions.Set(w.Index, ShimPrefix+w.Target.Name)
	}
	m.SetNameSection(ns)
	return nil
}
