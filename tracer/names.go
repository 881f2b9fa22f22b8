package tracer

import (
	"sort"

	"github.com/wippyai/wasm-calltrace/errors"
	"github.com/wippyai/wasm-calltrace/wasm"
)

// NameIndex maps function ids of the source module to display names. It is
// immutable once built and safe for concurrent reads.
type NameIndex struct {
	names map[uint32]string
	ids   []uint32
}

// NewNameIndex indexes the functions of m. A function's name comes from
// the name section, falling back to its first export name; functions with
// neither are left out.
func NewNameIndex(m *wasm.Module) (*NameIndex, error) {
	fns, err := m.Functions()
	if err != nil {
		return nil, errors.ParseFailed("name section", err)
	}
	return NameIndexFromFunctions(fns), nil
}

// NameIndexFromBinary decodes src and indexes it. src must be the module
// that was instrumented, not the instrumented output.
func NameIndexFromBinary(src []byte) (*NameIndex, error) {
	m, err := wasm.ParseModule(src)
	if err != nil {
		return nil, errors.ParseFailed("module", err)
	}
	return NewNameIndex(m)
}

// NameIndexFromFunctions builds an index from descriptors.
func NameIndexFromFunctions(fns []wasm.FunctionDescriptor) *NameIndex {
	x := &NameIndex{names: make(map[uint32]string, len(fns))}
	for _, fn := range fns {
		if !fn.HasName {
			continue
		}
		if _, dup := x.names[fn.ID]; !dup {
			x.ids = append(x.ids, fn.ID)
		}
		x.names[fn.ID] = fn.Name
	}
	sort.Slice(x.ids, func(i, j int) bool { return x.ids[i] < x.ids[j] })
	return x
}

// Lookup returns the name of function id.
func (x *NameIndex) Lookup(id uint32) (string, bool) {
	name, ok := x.names[id]
	return name, ok
}

func (x *NameIndex) Len() int { return len(x.ids) }

// IDs returns the indexed ids in ascending order.
func (x *NameIndex) IDs() []uint32 {
	return append([]uint32(nil), x.ids...)
}
