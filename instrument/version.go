package instrument

import (
	"fmt"

	"github.com/wippyai/wasm-calltrace/errors"
	"github.com/wippyai/wasm-calltrace/wasm"
)

// Schema version exported by instrumented modules.
const (
	SchemaMajor = 0
	SchemaMinor = 3

	VersionMajorExport = "wasm_instr_version_major"
	VersionMinorExport = "wasm_instr_version_minor"
)

// SchemaVersion is the instrumentation schema a module was built with.
type SchemaVersion struct {
	Major int32
	Minor int32
}

func (v SchemaVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Current is the schema version this package writes.
var Current = SchemaVersion{Major: SchemaMajor, Minor: SchemaMinor}

func addVersionGlobals(m *wasm.Module) error {
	for _, exp := range m.Exports {
		if exp.Name == VersionMajorExport || exp.Name == VersionMinorExport {
			return errors.New(errors.PhaseInstrument, errors.KindInvalidInput).
				Path("exports", exp.Name).
				Detail("export name reserved for the schema version").
				Build()
		}
	}
	for _, g := range []struct {
		name  string
		value int32
	}{
		{VersionMajorExport, SchemaMajor},
		{VersionMinorExport, SchemaMinor},
	} {
		idx := uint32(m.NumImportedGlobals() + len(m.Globals))
		init := wasm.AppendSLEB128([]byte{wasm.OpI32Const}, int64(g.value))
		m.Globals = append(m.Globals, wasm.Global{
			Type: wasm.GlobalType{ValType: wasm.ValI32},
			Init: append(init, wasm.OpEnd),
		})
		m.Exports = append(m.Exports, wasm.Export{Name: g.name, Kind: wasm.KindGlobal, Idx: idx})
	}
	return nil
}

// Detection reports what Detect found.
type Detection struct {
	// Version is set when both schema globals are exported with constant
	// initializers.
	Version *SchemaVersion

	Namespace    string
	EnterIndex   uint32
	ExitIndex    uint32
	Instrumented bool
}

// Detect looks for the hook imports and version globals. A module counts
// as instrumented when one namespace provides both hooks as functions.
func Detect(m *wasm.Module) Detection {
	var d Detection
	type hooks struct {
		enter, exit       uint32
		hasEnter, hasExit bool
	}
	byNamespace := make(map[string]*hooks)
	var order []string
	funcIdx := uint32(0)
	for _, imp := range m.Imports {
		if imp.Desc.Kind != wasm.KindFunc {
			continue
		}
		if imp.Name == EnterHook || imp.Name == ExitHook {
			h, ok := byNamespace[imp.Module]
			if !ok {
				h = &hooks{}
				byNamespace[imp.Module] = h
				order = append(order, imp.Module)
			}
			if imp.Name == EnterHook && !h.hasEnter {
				h.enter, h.hasEnter = funcIdx, true
			} else if imp.Name == ExitHook && !h.hasExit {
				h.exit, h.hasExit = funcIdx, true
			}
		}
		funcIdx++
	}
	for _, ns := range order {
		h := byNamespace[ns]
		if h.hasEnter && h.hasExit {
			d.Instrumented = true
			d.Namespace = ns
			d.EnterIndex, d.ExitIndex = h.enter, h.exit
			break
		}
	}

	major, okMajor := exportedConstI32(m, VersionMajorExport)
	minor, okMinor := exportedConstI32(m, VersionMinorExport)
	if okMajor && okMinor {
		d.Version = &SchemaVersion{Major: major, Minor: minor}
	}
	return d
}

// exportedConstI32 returns the value of an exported immutable i32 global
// defined by a single i32.const.
func exportedConstI32(m *wasm.Module, name string) (int32, bool) {
	for _, exp := range m.Exports {
		if exp.Kind != wasm.KindGlobal || exp.Name != name {
			continue
		}
		local := int(exp.Idx) - m.NumImportedGlobals()
		if local < 0 || local >= len(m.Globals) {
			return 0, false
		}
		g := m.Globals[local]
		if g.Type.ValType != wasm.ValI32 || g.Type.Mutable || len(g.Init) < 3 || g.Init[0] != wasm.OpI32Const {
			return 0, false
		}
		v, n, err := wasm.ReadSLEB128(g.Init[1:])
		if err != nil || 1+n != len(g.Init)-1 || g.Init[len(g.Init)-1] != wasm.OpEnd {
			return 0, false
		}
		return v, true
	}
	return 0, false
}
