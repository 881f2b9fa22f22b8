package instrument

import (
	"github.com/wippyai/wasm-calltrace/wasm"
)

// emitter builds instruction sequences.
type emitter struct {
	buf []byte
}

func (e *emitter) op(b byte) *emitter {
	e.buf = append(e.buf, b)
	return e
}

func (e *emitter) u32(op byte, v uint32) *emitter {
	e.buf = append(e.buf, op)
	e.buf = wasm.AppendULEB128(e.buf, uint64(v))
	return e
}

func (e *emitter) i32Const(v int32) *emitter {
	e.buf = append(e.buf, wasm.OpI32Const)
	e.buf = wasm.AppendSLEB128(e.buf, int64(v))
	return e
}

func (e *emitter) call(idx uint32) *emitter     { return e.u32(wasm.OpCall, idx) }
func (e *emitter) localGet(idx uint32) *emitter { return e.u32(wasm.OpLocalGet, idx) }
func (e *emitter) localSet(idx uint32) *emitter { return e.u32(wasm.OpLocalSet, idx) }
func (e *emitter) end() *emitter                { return e.op(wasm.OpEnd) }

func (e *emitter) bytes() []byte {
	return e.buf
}

// buildShim generates the body of the wrapper for fn. target is fn's index
// in the instrumented module.
func buildShim(fn wasm.FunctionDescriptor, target, enter, exit uint32) wasm.FuncBody {
	params := uint32(len(fn.Params))
	results := uint32(len(fn.Results))
	id := int32(fn.ID)

	em := &emitter{}
	em.i32Const(id).call(enter)
	for i := uint32(0); i < params; i++ {
		em.localGet(i)
	}
	em.call(target)
	// the last result is on top of the stack
	for i := results; i > 0; i-- {
		em.localSet(params + i - 1)
	}
	em.i32Const(id).call(exit)
	for i := uint32(0); i < results; i++ {
		em.localGet(params + i)
	}
	em.end()

	return wasm.FuncBody{Locals: resultLocals(fn.Results), Code: em.bytes()}
}

// resultLocals declares one local per result, grouping adjacent equal
// types.
func resultLocals(results []wasm.ValType) []wasm.LocalEntry {
	var locals []wasm.LocalEntry
	for _, t := range results {
		if n := len(locals); n > 0 && locals[n-1].ValType == t {
			locals[n-1].Count++
			continue
		}
		locals = append(locals, wasm.LocalEntry{Count: 1, ValType: t})
	}
	return locals
}
