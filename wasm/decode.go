package wasm

import (
	"errors"
	"fmt"
	"io"

	"github.com/wippyai/wasm-calltrace/wasm/internal/binary"
)

// Errors returned by ParseModule.
var (
	ErrInvalidMagic   = errors.New("invalid wasm magic number")
	ErrInvalidVersion = errors.New("invalid wasm version")
	ErrUnexpectedEOF  = io.ErrUnexpectedEOF
)

// ParseModule decodes a WebAssembly binary module.
func ParseModule(data []byte) (*Module, error) {
	r := binary.NewReader(data, 0)

	magic, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if magic != Magic {
		return nil, ErrInvalidMagic
	}
	version, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if version != Version {
		return nil, ErrInvalidVersion
	}

	m := &Module{}
	var last byte
	lastOrder := 0
	for r.Len() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return nil, r.WrapError("section header", err)
		}
		if id != SectionCustom {
			order := sectionOrder(id)
			if order == 0 {
				return nil, fmt.Errorf("unknown section ID: 0x%02x", id)
			}
			if order <= lastOrder {
				return nil, fmt.Errorf("section %d appears out of order", id)
			}
			lastOrder = order
		}
		size, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("section size", err)
		}
		base := r.Position()
		payload, err := r.ReadBytes(int(size))
		if err != nil {
			return nil, r.WrapError("section data", err)
		}
		sr := binary.NewReader(payload, base)
		if err := parseSection(id, sr, m, last); err != nil {
			return nil, sr.WrapError(sectionName(id)+" section", err)
		}
		if id != SectionCustom {
			if sr.Len() != 0 {
				return nil, fmt.Errorf("%s section: %d unread bytes", sectionName(id), sr.Len())
			}
			last = id
		}
	}

	if len(m.Funcs) != len(m.Code) {
		return nil, fmt.Errorf("function section declares %d functions, code section has %d bodies",
			len(m.Funcs), len(m.Code))
	}
	return m, nil
}

func parseSection(id byte, r *binary.Reader, m *Module, after byte) error {
	switch id {
	case SectionCustom:
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		m.CustomSections = append(m.CustomSections, CustomSection{
			Name:  name,
			Data:  cloneBytes(r.Remaining()),
			After: after,
		})
		return nil
	case SectionType:
		return parseVec(r, func() error {
			ft, err := readFuncType(r)
			m.Types = append(m.Types, ft)
			return err
		})
	case SectionImport:
		return parseVec(r, func() error {
			imp, err := readImport(r)
			m.Imports = append(m.Imports, imp)
			return err
		})
	case SectionFunction:
		return parseVec(r, func() error {
			idx, err := r.ReadU32()
			m.Funcs = append(m.Funcs, idx)
			return err
		})
	case SectionTable:
		return parseVec(r, func() error {
			t, err := readTableType(r)
			m.Tables = append(m.Tables, t)
			return err
		})
	case SectionMemory:
		return parseVec(r, func() error {
			l, err := readLimits(r)
			m.Memories = append(m.Memories, MemoryType{Limits: l})
			return err
		})
	case SectionTag:
		return parseVec(r, func() error {
			t, err := readTagType(r)
			m.Tags = append(m.Tags, t)
			return err
		})
	case SectionGlobal:
		return parseVec(r, func() error {
			gt, err := readGlobalType(r)
			if err != nil {
				return err
			}
			init, err := readExpr(r)
			m.Globals = append(m.Globals, Global{Type: gt, Init: init})
			return err
		})
	case SectionExport:
		return parseVec(r, func() error {
			exp, err := readExport(r)
			m.Exports = append(m.Exports, exp)
			return err
		})
	case SectionStart:
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		m.Start = &idx
		return nil
	case SectionElement:
		return parseVec(r, func() error {
			el, err := readElement(r)
			m.Elements = append(m.Elements, el)
			return err
		})
	case SectionDataCount:
		n, err := r.ReadU32()
		if err != nil {
			return err
		}
		m.DataCount = &n
		return nil
	case SectionCode:
		return parseVec(r, func() error {
			body, err := readFuncBody(r)
			m.Code = append(m.Code, body)
			return err
		})
	case SectionData:
		return parseVec(r, func() error {
			seg, err := readDataSegment(r)
			m.Data = append(m.Data, seg)
			return err
		})
	}
	return fmt.Errorf("unknown section ID: 0x%02x", id)
}

func parseVec(r *binary.Reader, item func() error) error {
	n, err := r.ReadU32()
	if err != nil {
		return err
	}
	if int(n) > r.Len() {
		return fmt.Errorf("vector length %d exceeds section size", n)
	}
	for i := uint32(0); i < n; i++ {
		if err := item(); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return nil
}

func readValType(r *binary.Reader) (ValType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	v := ValType(b)
	if b == refNullPrefix || b == refPrefix {
		return 0, fmt.Errorf("typed reference: %w", ErrUnsupported)
	}
	if !v.Valid() {
		return 0, fmt.Errorf("invalid value type 0x%02x", b)
	}
	return v, nil
}

func readValTypes(r *binary.Reader) ([]ValType, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if int(n) > r.Len() {
		return nil, fmt.Errorf("value type count %d exceeds input", n)
	}
	out := make([]ValType, 0, n)
	for i := uint32(0); i < n; i++ {
		v, err := readValType(r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func readFuncType(r *binary.Reader) (FuncType, error) {
	form, err := r.ReadByte()
	if err != nil {
		return FuncType{}, err
	}
	if form != FuncTypeByte {
		return FuncType{}, fmt.Errorf("type form 0x%02x: %w", form, ErrUnsupported)
	}
	params, err := readValTypes(r)
	if err != nil {
		return FuncType{}, err
	}
	results, err := readValTypes(r)
	if err != nil {
		return FuncType{}, err
	}
	return FuncType{Params: params, Results: results}, nil
}

func readImport(r *binary.Reader) (Import, error) {
	var imp Import
	var err error
	if imp.Module, err = r.ReadName(); err != nil {
		return imp, err
	}
	if imp.Name, err = r.ReadName(); err != nil {
		return imp, err
	}
	if imp.Desc.Kind, err = r.ReadByte(); err != nil {
		return imp, err
	}
	switch imp.Desc.Kind {
	case KindFunc:
		imp.Desc.TypeIdx, err = r.ReadU32()
	case KindTable:
		var t TableType
		t, err = readTableType(r)
		imp.Desc.Table = &t
	case KindMemory:
		var l Limits
		l, err = readLimits(r)
		imp.Desc.Memory = &MemoryType{Limits: l}
	case KindGlobal:
		var g GlobalType
		g, err = readGlobalType(r)
		imp.Desc.Global = &g
	case KindTag:
		var t TagType
		t, err = readTagType(r)
		imp.Desc.Tag = &t
	default:
		err = fmt.Errorf("invalid import kind 0x%02x", imp.Desc.Kind)
	}
	return imp, err
}

func readTableType(r *binary.Reader) (TableType, error) {
	b, err := r.PeekByte()
	if err != nil {
		return TableType{}, err
	}
	if b == 0x40 {
		return TableType{}, fmt.Errorf("table with initializer: %w", ErrUnsupported)
	}
	et, err := readValType(r)
	if err != nil {
		return TableType{}, err
	}
	if et != ValFuncRef && et != ValExtern {
		return TableType{}, fmt.Errorf("invalid table element type %s", et)
	}
	l, err := readLimits(r)
	return TableType{ElemType: et, Limits: l}, err
}

func readLimits(r *binary.Reader) (Limits, error) {
	var l Limits
	var err error
	if l.Flags, err = r.ReadByte(); err != nil {
		return l, err
	}
	if l.Flags > 0x07 {
		return l, fmt.Errorf("invalid limits flags 0x%02x", l.Flags)
	}
	if l.Min, err = r.ReadU64(); err != nil {
		return l, err
	}
	if l.HasMax() {
		l.Max, err = r.ReadU64()
	}
	return l, err
}

func readGlobalType(r *binary.Reader) (GlobalType, error) {
	vt, err := readValType(r)
	if err != nil {
		return GlobalType{}, err
	}
	mut, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	if mut > 1 {
		return GlobalType{}, fmt.Errorf("invalid mutability 0x%02x", mut)
	}
	return GlobalType{ValType: vt, Mutable: mut == 1}, nil
}

func readTagType(r *binary.Reader) (TagType, error) {
	attr, err := r.ReadByte()
	if err != nil {
		return TagType{}, err
	}
	idx, err := r.ReadU32()
	return TagType{Attribute: attr, TypeIdx: idx}, err
}

func readExport(r *binary.Reader) (Export, error) {
	var exp Export
	var err error
	if exp.Name, err = r.ReadName(); err != nil {
		return exp, err
	}
	if exp.Kind, err = r.ReadByte(); err != nil {
		return exp, err
	}
	if exp.Kind > KindTag {
		return exp, fmt.Errorf("invalid export kind 0x%02x", exp.Kind)
	}
	exp.Idx, err = r.ReadU32()
	return exp, err
}

// readExpr consumes one constant expression, end included.
func readExpr(r *binary.Reader) ([]byte, error) {
	start := r.Offset()
	n, err := ScanInstructions(r.Slice(start, start+r.Len()), nil)
	if err != nil {
		return nil, err
	}
	b, err := r.ReadBytes(n)
	return cloneBytes(b), err
}

func readElement(r *binary.Reader) (Element, error) {
	var el Element
	var err error
	if el.Flags, err = r.ReadU32(); err != nil {
		return el, err
	}
	if el.Flags > 7 {
		return el, fmt.Errorf("invalid element flags %d", el.Flags)
	}
	el.RefType = ValFuncRef
	if el.Active() {
		if el.Flags&0x02 != 0 {
			if el.TableIdx, err = r.ReadU32(); err != nil {
				return el, err
			}
		}
		if el.Offset, err = readExpr(r); err != nil {
			return el, err
		}
	}
	if el.Flags&0x03 != 0 {
		if el.UsesExprs() {
			if el.RefType, err = readValType(r); err != nil {
				return el, err
			}
		} else if el.ElemKind, err = r.ReadByte(); err != nil {
			return el, err
		}
	}
	n, err := r.ReadU32()
	if err != nil {
		return el, err
	}
	if int(n) > r.Len() {
		return el, fmt.Errorf("element count %d exceeds input", n)
	}
	for i := uint32(0); i < n; i++ {
		if el.UsesExprs() {
			expr, err := readExpr(r)
			if err != nil {
				return el, err
			}
			el.Exprs = append(el.Exprs, expr)
			continue
		}
		idx, err := r.ReadU32()
		if err != nil {
			return el, err
		}
		el.FuncIdxs = append(el.FuncIdxs, idx)
	}
	return el, nil
}

func readFuncBody(r *binary.Reader) (FuncBody, error) {
	size, err := r.ReadU32()
	if err != nil {
		return FuncBody{}, err
	}
	base := r.Position()
	data, err := r.ReadBytes(int(size))
	if err != nil {
		return FuncBody{}, err
	}
	br := binary.NewReader(data, base)
	var body FuncBody
	err = parseVec(br, func() error {
		count, err := br.ReadU32()
		if err != nil {
			return err
		}
		vt, err := readValType(br)
		body.Locals = append(body.Locals, LocalEntry{Count: count, ValType: vt})
		return err
	})
	if err != nil {
		return body, fmt.Errorf("locals: %w", err)
	}
	body.Code = cloneBytes(br.Remaining())
	if len(body.Code) == 0 || body.Code[len(body.Code)-1] != OpEnd {
		return body, errors.New("function body does not end with end")
	}
	return body, nil
}

func readDataSegment(r *binary.Reader) (DataSegment, error) {
	var seg DataSegment
	var err error
	if seg.Flags, err = r.ReadU32(); err != nil {
		return seg, err
	}
	switch seg.Flags {
	case 0:
		seg.Offset, err = readExpr(r)
	case 1:
	case 2:
		if seg.MemIdx, err = r.ReadU32(); err == nil {
			seg.Offset, err = readExpr(r)
		}
	default:
		return seg, fmt.Errorf("invalid data segment flags %d", seg.Flags)
	}
	if err != nil {
		return seg, err
	}
	n, err := r.ReadU32()
	if err != nil {
		return seg, err
	}
	b, err := r.ReadBytes(int(n))
	seg.Init = cloneBytes(b)
	return seg, err
}

func sectionName(id byte) string {
	switch id {
	case SectionCustom:
		return "custom"
	case SectionType:
		return "type"
	case SectionImport:
		return "import"
	case SectionFunction:
		return "function"
	case SectionTable:
		return "table"
	case SectionMemory:
		return "memory"
	case SectionGlobal:
		return "global"
	case SectionExport:
		return "export"
	case SectionStart:
		return "start"
	case SectionElement:
		return "element"
	case SectionCode:
		return "code"
	case SectionData:
		return "data"
	case SectionDataCount:
		return "data count"
	case SectionTag:
		return "tag"
	}
	return fmt.Sprintf("section %d", id)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
