package wasm

import (
	"errors"
	"fmt"

	"github.com/wippyai/wasm-calltrace/wasm/internal/binary"
)

// ErrUnsupported is returned for encodings outside the supported feature set.
var ErrUnsupported = errors.New("unsupported wasm feature")

// Instruction locates one instruction within a code sequence.
type Instruction struct {
	Opcode byte
	Sub    uint32 // sub-opcode of 0xFC, 0xFD and 0xFE instructions
	Start  int    // offset of the opcode byte
	End    int    // offset just past the last immediate

	// FuncIdx and FuncIdxAt are set when ReferencesFunc is true. FuncIdxAt
	// is the offset of the encoded index.
	FuncIdx   uint32
	FuncIdxAt int
}

// ReferencesFunc reports whether the instruction names a function index
// directly.
func (i Instruction) ReferencesFunc() bool {
	switch i.Opcode {
	case OpCall, OpReturnCall, OpRefFunc:
		return true
	}
	return false
}

// IsCall reports whether the instruction is a direct call.
func (i Instruction) IsCall() bool {
	return i.Opcode == OpCall || i.Opcode == OpReturnCall
}

// ScanInstructions decodes code up to and including the end that closes
// the sequence, calling visit for every instruction. It returns the number
// of bytes consumed.
func ScanInstructions(code []byte, visit func(Instruction) error) (int, error) {
	r := binary.NewReader(code, 0)
	depth := 0
	for {
		if r.Len() == 0 {
			return 0, r.WrapError("code", fmt.Errorf("missing end: %w", ErrUnexpectedEOF))
		}
		ins, err := scanOne(r)
		if err != nil {
			return 0, r.WrapError("code", err)
		}
		if visit != nil {
			if err := visit(ins); err != nil {
				return 0, err
			}
		}
		switch ins.Opcode {
		case OpBlock, OpLoop, OpIf, OpTry, OpTryTable:
			depth++
		case OpEnd:
			if depth == 0 {
				return r.Offset(), nil
			}
			depth--
		case OpDelegate:
			// delegate closes a try block in place of end
			if depth == 0 {
				return 0, r.WrapError("code", errors.New("delegate outside try"))
			}
			depth--
		}
	}
}

// RemapFuncRefs returns a copy of code in which every function index named
// by call, return_call or ref.func is replaced by remap(index). All other
// bytes are copied unchanged.
func RemapFuncRefs(code []byte, remap func(idx uint32, ins Instruction) uint32) ([]byte, error) {
	out := make([]byte, 0, len(code)+8)
	last := 0
	n, err := ScanInstructions(code, func(ins Instruction) error {
		if !ins.ReferencesFunc() {
			return nil
		}
		to := remap(ins.FuncIdx, ins)
		if to == ins.FuncIdx {
			return nil
		}
		_, width, err := ReadULEB128(code[ins.FuncIdxAt:])
		if err != nil {
			return err
		}
		out = append(out, code[last:ins.FuncIdxAt]...)
		out = AppendULEB128(out, uint64(to))
		last = ins.FuncIdxAt + width
		return nil
	})
	if err != nil {
		return nil, err
	}
	if n != len(code) {
		return nil, fmt.Errorf("%d trailing bytes after end", len(code)-n)
	}
	return append(out, code[last:]...), nil
}

// DirectCalls returns the targets of call and return_call instructions in
// code, in order of appearance.
func DirectCalls(code []byte) ([]uint32, error) {
	var targets []uint32
	_, err := ScanInstructions(code, func(ins Instruction) error {
		if ins.IsCall() {
			targets = append(targets, ins.FuncIdx)
		}
		return nil
	})
	return targets, err
}

func scanOne(r *binary.Reader) (Instruction, error) {
	ins := Instruction{Start: r.Offset()}
	op, err := r.ReadByte()
	if err != nil {
		return ins, err
	}
	ins.Opcode = op

	switch {
	case op == OpCall || op == OpReturnCall || op == OpRefFunc:
		ins.FuncIdxAt = r.Offset()
		ins.FuncIdx, err = r.ReadU32()

	case op == OpBlock || op == OpLoop || op == OpIf || op == OpTry:
		err = skipBlockType(r)

	case op == OpTryTable:
		err = skipTryTable(r)

	case op == OpCatch || op == OpThrow || op == OpRethrow || op == OpBr || op == OpBrIf ||
		op == OpDelegate || op == OpCallRef || op == OpReturnCallRef ||
		op == OpBrOnNull || op == OpBrOnNonNull ||
		(op >= OpLocalGet && op <= OpTableSet):
		_, err = r.ReadU32()

	case op == OpBrTable:
		err = skipBrTable(r)

	case op == OpCallIndirect || op == OpReturnCallIndirect:
		if _, err = r.ReadU32(); err == nil {
			_, err = r.ReadU32()
		}

	case op == OpSelectType:
		err = skipValTypeVec(r)

	case op >= OpI32Load && op <= OpI64Store32:
		err = skipMemArg(r)

	case op == OpMemorySize || op == OpMemoryGrow:
		_, err = r.ReadU32()

	case op == OpI32Const:
		_, err = r.ReadS32()
	case op == OpI64Const:
		_, err = r.ReadS64()
	case op == OpF32Const:
		err = r.Skip(4)
	case op == OpF64Const:
		err = r.Skip(8)

	case op == OpRefNull:
		_, err = r.ReadS33()

	case op == OpPrefixMisc:
		ins.Sub, err = r.ReadU32()
		if err == nil {
			err = skipMisc(r, ins.Sub)
		}
	case op == OpPrefixSIMD:
		ins.Sub, err = r.ReadU32()
		if err == nil {
			err = skipSIMD(r, ins.Sub)
		}
	case op == OpPrefixAtomic:
		ins.Sub, err = r.ReadU32()
		if err == nil {
			if ins.Sub == 0x03 {
				err = r.Skip(1)
			} else {
				err = skipMemArg(r)
			}
		}

	case op == OpUnreachable || op == OpNop || op == OpElse || op == OpThrowRef ||
		op == OpEnd || op == OpReturn || op == OpCatchAll || op == OpDrop || op == OpSelect ||
		(op >= OpI32Eqz && op <= OpI64Extend32) ||
		op == OpRefIsNull || op == OpRefEq || op == OpRefAsNonNull:
		// no immediates

	default:
		err = fmt.Errorf("opcode 0x%02x: %w", op, ErrUnsupported)
	}
	ins.End = r.Offset()
	return ins, err
}

func skipBlockType(r *binary.Reader) error {
	b, err := r.PeekByte()
	if err != nil {
		return err
	}
	if b == refNullPrefix || b == refPrefix {
		return fmt.Errorf("typed reference block type: %w", ErrUnsupported)
	}
	_, err = r.ReadS33()
	return err
}

func skipBrTable(r *binary.Reader) error {
	n, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i <= n; i++ {
		if _, err := r.ReadU32(); err != nil {
			return err
		}
	}
	return nil
}

func skipTryTable(r *binary.Reader) error {
	if err := skipBlockType(r); err != nil {
		return err
	}
	n, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		// catch and catch_ref name a tag before the label
		if kind == 0x00 || kind == 0x01 {
			if _, err := r.ReadU32(); err != nil {
				return err
			}
		}
		if _, err := r.ReadU32(); err != nil {
			return err
		}
	}
	return nil
}

func skipValTypeVec(r *binary.Reader) error {
	n, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		if _, err := readValType(r); err != nil {
			return err
		}
	}
	return nil
}

func skipMemArg(r *binary.Reader) error {
	align, err := r.ReadU32()
	if err != nil {
		return err
	}
	// bit 6 of the alignment flags a memory index
	if align&0x40 != 0 {
		if _, err := r.ReadU32(); err != nil {
			return err
		}
	}
	_, err = r.ReadU64()
	return err
}

func skipMisc(r *binary.Reader, sub uint32) error {
	var n int
	switch sub {
	case 0, 1, 2, 3, 4, 5, 6, 7:
		n = 0
	case MiscDataDrop, MiscMemoryFill, MiscElemDrop, MiscTableGrow, MiscTableSize, MiscTableFill:
		n = 1
	case MiscMemoryInit, MiscMemoryCopy, MiscTableInit, MiscTableCopy:
		n = 2
	default:
		return fmt.Errorf("opcode 0xfc %d: %w", sub, ErrUnsupported)
	}
	for i := 0; i < n; i++ {
		if _, err := r.ReadU32(); err != nil {
			return err
		}
	}
	return nil
}

func skipSIMD(r *binary.Reader, sub uint32) error {
	switch {
	case sub <= 11 || sub == 92 || sub == 93:
		return skipMemArg(r)
	case sub == 12 || sub == 13:
		return r.Skip(16)
	case sub >= 21 && sub <= 34:
		return r.Skip(1)
	case sub >= 84 && sub <= 91:
		if err := skipMemArg(r); err != nil {
			return err
		}
		return r.Skip(1)
	case sub <= 0x113:
		return nil
	default:
		return fmt.Errorf("opcode 0xfd %d: %w", sub, ErrUnsupported)
	}
}
