// Package wasm is the module model used by the call tracing pipeline.
//
// It decodes WebAssembly binary modules into a structural representation,
// exposes the function index space as FunctionDescriptor values, and encodes
// modules back to binary. Function bodies are kept as raw bytes; the
// instruction scanner walks them without building a full instruction tree,
// so rewriting a function index leaves every other byte untouched.
//
// # Supported Features
//
//	Core:
//	  - i32, i64, f32, f64 value types
//	  - functions, tables, memories, globals, imports, exports, start
//	  - element and data segments in all binary forms
//
//	Proposals:
//	  - multi-value, sign extension, saturating truncation
//	  - bulk memory and reference types (funcref, externref, ref.func)
//	  - tail calls (return_call, return_call_indirect)
//	  - SIMD (v128) and threads (atomic operations)
//	  - exception handling (tags, try/catch, try_table)
//	  - memory64 and multi-memory
//
// GC types and the typed function references proposal are rejected with
// ErrUnsupported.
//
// # Parsing and Encoding
//
//	m, err := wasm.ParseModule(data)
//	if err != nil {
//	    return err
//	}
//	out := m.Encode()
//
// Custom sections keep their position relative to the known sections.
//
// # Names
//
// The "name" custom section is decoded on demand:
//
//	names, err := m.NameSection()
//	fn, ok := names.Functions.Lookup(3)
//
// Functions resolves every function in index order, with the name taken
// from the name section or, failing that, from the first export.
package wasm
