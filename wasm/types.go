package wasm

// Module is a decoded WebAssembly module.
type Module struct {
	Types    []FuncType
	Imports  []Import
	Funcs    []uint32 // type index of each defined function
	Tables   []TableType
	Memories []MemoryType
	Tags     []TagType
	Globals  []Global
	Exports  []Export
	Start    *uint32
	Elements []Element

	// DataCount is set when the module carried a data count section.
	DataCount *uint32

	Code []FuncBody
	Data []DataSegment

	CustomSections []CustomSection
}

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports whether two signatures are identical.
func (f FuncType) Equal(o FuncType) bool {
	if len(f.Params) != len(o.Params) || len(f.Results) != len(o.Results) {
		return false
	}
	for i := range f.Params {
		if f.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range f.Results {
		if f.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

// ValType is a value type as encoded in the binary format.
type ValType byte

func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	case ValV128:
		return "v128"
	case ValFuncRef:
		return "funcref"
	case ValExtern:
		return "externref"
	default:
		return "unknown"
	}
}

// Valid reports whether v is a value type this package can represent.
func (v ValType) Valid() bool {
	return v.String() != "unknown"
}

// Import is an entry of the import section.
type Import struct {
	Module string
	Name   string
	Desc   ImportDesc
}

// ImportDesc describes what an import provides. Only the field matching
// Kind is meaningful.
type ImportDesc struct {
	Kind    byte
	TypeIdx uint32
	Table   *TableType
	Memory  *MemoryType
	Global  *GlobalType
	Tag     *TagType
}

// TableType is a table declaration.
type TableType struct {
	ElemType ValType
	Limits   Limits
}

// MemoryType is a memory declaration.
type MemoryType struct {
	Limits Limits
}

// Limits holds the flags byte and bounds of a table or memory. Bit 0 of
// Flags marks a maximum, bit 1 shared memory, bit 2 64-bit addressing.
type Limits struct {
	Flags byte
	Min   uint64
	Max   uint64
}

// HasMax reports whether a maximum is declared.
func (l Limits) HasMax() bool {
	return l.Flags&0x01 != 0
}

// GlobalType is the type of a global.
type GlobalType struct {
	ValType ValType
	Mutable bool
}

// Global is a defined global and its constant initializer.
type Global struct {
	Type GlobalType
	Init []byte // constant expression including the final end
}

// TagType is an exception tag declaration.
type TagType struct {
	Attribute byte
	TypeIdx   uint32
}

// Export is an entry of the export section.
type Export struct {
	Name string
	Kind byte
	Idx  uint32
}

// Element is an element segment. Flags selects the binary form:
//
//	bit 0: passive or declarative
//	bit 1: explicit table index (active) or declarative (passive)
//	bit 2: expressions instead of function indices
type Element struct {
	Flags    uint32
	TableIdx uint32
	Offset   []byte
	ElemKind byte
	RefType  ValType
	FuncIdxs []uint32
	Exprs    [][]byte
}

// Active reports whether the segment is copied into a table at
// instantiation.
func (e Element) Active() bool {
	return e.Flags&0x01 == 0
}

// UsesExprs reports whether the segment stores expressions.
func (e Element) UsesExprs() bool {
	return e.Flags&0x04 != 0
}

// FuncBody is the code of one defined function.
type FuncBody struct {
	Locals []LocalEntry
	Code   []byte // instructions including the final end
}

// LocalEntry declares Count locals of one type.
type LocalEntry struct {
	Count   uint32
	ValType ValType
}

// DataSegment is a data segment.
type DataSegment struct {
	Flags  uint32
	MemIdx uint32
	Offset []byte
	Init   []byte
}

// CustomSection is a custom section. After holds the ID of the known
// section it followed in the input, or zero when it preceded all of them.
type CustomSection struct {
	Name  string
	Data  []byte
	After byte
}

// NumImportedFuncs returns the number of imported functions.
func (m *Module) NumImportedFuncs() int {
	return m.numImported(KindFunc)
}

// NumImportedGlobals returns the number of imported globals.
func (m *Module) NumImportedGlobals() int {
	return m.numImported(KindGlobal)
}

func (m *Module) numImported(kind byte) int {
	n := 0
	for _, imp := range m.Imports {
		if imp.Desc.Kind == kind {
			n++
		}
	}
	return n
}

// NumFuncs returns the size of the function index space.
func (m *Module) NumFuncs() int {
	return m.NumImportedFuncs() + len(m.Funcs)
}

// FuncTypeIndex returns the type index of function idx.
func (m *Module) FuncTypeIndex(idx uint32) (uint32, bool) {
	n := uint32(0)
	for _, imp := range m.Imports {
		if imp.Desc.Kind != KindFunc {
			continue
		}
		if n == idx {
			return imp.Desc.TypeIdx, true
		}
		n++
	}
	local := idx - n
	if idx < n || int(local) >= len(m.Funcs) {
		return 0, false
	}
	return m.Funcs[local], true
}

// GetFuncType returns the signature of function idx, or nil when idx or
// its type index is out of range.
func (m *Module) GetFuncType(idx uint32) *FuncType {
	t, ok := m.FuncTypeIndex(idx)
	if !ok || int(t) >= len(m.Types) {
		return nil
	}
	return &m.Types[t]
}

// AddType returns the index of a type equal to ft, appending one if none
// exists.
func (m *Module) AddType(ft FuncType) uint32 {
	for i, t := range m.Types {
		if t.Equal(ft) {
			return uint32(i)
		}
	}
	m.Types = append(m.Types, ft)
	return uint32(len(m.Types) - 1)
}

// CustomSection returns the first custom section called name.
func (m *Module) CustomSection(name string) (*CustomSection, bool) {
	for i := range m.CustomSections {
		if m.CustomSections[i].Name == name {
			return &m.CustomSections[i], true
		}
	}
	return nil, false
}
