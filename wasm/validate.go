package wasm

import "fmt"

// Validate checks the index references the instrumenter relies on: type
// indices, function indices in every position, export names and the code
// of each body. It does not type-check instructions.
func (m *Module) Validate() error {
	if err := m.validateTypeIndices(); err != nil {
		return err
	}
	if err := m.validateFunctionIndices(); err != nil {
		return err
	}
	if err := m.validateExports(); err != nil {
		return err
	}
	if err := m.validateCode(); err != nil {
		return err
	}
	return m.validateFuncRefs()
}

// validateFuncRefs rejects ref.func in code bodies naming a function that
// no export, element segment or global initializer declares.
func (m *Module) validateFuncRefs() error {
	missing, err := m.UndeclaredFuncRefs()
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("ref.func of undeclared function index %d", missing[0])
	}
	return nil
}

// ParseModuleValidate parses and validates a binary module.
func ParseModuleValidate(data []byte) (*Module, error) {
	m, err := ParseModule(data)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Module) validateTypeIndices() error {
	numTypes := uint32(len(m.Types))
	for i, t := range m.Funcs {
		if t >= numTypes {
			return fmt.Errorf("function %d references invalid type index %d", i, t)
		}
	}
	for i, imp := range m.Imports {
		if imp.Desc.Kind == KindFunc && imp.Desc.TypeIdx >= numTypes {
			return fmt.Errorf("import %d (%s.%s) references invalid type index %d",
				i, imp.Module, imp.Name, imp.Desc.TypeIdx)
		}
	}
	for i, tag := range m.Tags {
		if tag.TypeIdx >= numTypes {
			return fmt.Errorf("tag %d references invalid type index %d", i, tag.TypeIdx)
		}
	}
	return nil
}

func (m *Module) validateFunctionIndices() error {
	numFuncs := uint32(m.NumFuncs())
	if m.Start != nil && *m.Start >= numFuncs {
		return fmt.Errorf("start function index %d exceeds function count %d", *m.Start, numFuncs)
	}
	for i, el := range m.Elements {
		for j, idx := range el.FuncIdxs {
			if idx >= numFuncs {
				return fmt.Errorf("element %d, entry %d references invalid function index %d", i, j, idx)
			}
		}
	}
	for i, exp := range m.Exports {
		if exp.Kind == KindFunc && exp.Idx >= numFuncs {
			return fmt.Errorf("export %d (%s) references invalid function index %d", i, exp.Name, exp.Idx)
		}
	}
	return nil
}

func (m *Module) validateExports() error {
	seen := make(map[string]bool, len(m.Exports))
	for _, exp := range m.Exports {
		if seen[exp.Name] {
			return fmt.Errorf("duplicate export name %q", exp.Name)
		}
		seen[exp.Name] = true
	}
	return nil
}

func (m *Module) validateCode() error {
	numFuncs := uint32(m.NumFuncs())
	check := func(code []byte, where string) error {
		n, err := ScanInstructions(code, func(ins Instruction) error {
			if ins.ReferencesFunc() && ins.FuncIdx >= numFuncs {
				return fmt.Errorf("function index %d out of range", ins.FuncIdx)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("%s: %w", where, err)
		}
		if n != len(code) {
			return fmt.Errorf("%s: %d trailing bytes after end", where, len(code)-n)
		}
		return nil
	}
	imported := m.NumImportedFuncs()
	for i, body := range m.Code {
		if err := check(body.Code, fmt.Sprintf("function %d", imported+i)); err != nil {
			return err
		}
	}
	for i, g := range m.Globals {
		if err := check(g.Init, fmt.Sprintf("global %d initializer", i)); err != nil {
			return err
		}
	}
	for i, el := range m.Elements {
		for j, e := range el.Exprs {
			if err := check(e, fmt.Sprintf("element %d, expression %d", i, j)); err != nil {
				return err
			}
		}
	}
	return nil
}
