package wasm

import (
	"github.com/wippyai/wasm-calltrace/wasm/internal/binary"
)

// AppendULEB128 appends v in unsigned LEB128 form.
func AppendULEB128(dst []byte, v uint64) []byte {
	return binary.AppendU64(dst, v)
}

// AppendSLEB128 appends v in signed LEB128 form.
func AppendSLEB128(dst []byte, v int64) []byte {
	return binary.AppendS64(dst, v)
}

// ReadULEB128 decodes an unsigned LEB128 uint32 from the start of b and
// returns the value and the number of bytes consumed.
func ReadULEB128(b []byte) (uint32, int, error) {
	r := binary.NewReader(b, 0)
	v, err := r.ReadU32()
	if err != nil {
		return 0, 0, err
	}
	return v, r.Offset(), nil
}

// ReadSLEB128 decodes a signed LEB128 int32 from the start of b.
func ReadSLEB128(b []byte) (int32, int, error) {
	r := binary.NewReader(b, 0)
	v, err := r.ReadS32()
	if err != nil {
		return 0, 0, err
	}
	return v, r.Offset(), nil
}
