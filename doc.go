// Package calltrace traces WebAssembly function calls.
//
// A module is rewritten so that each exported function calls two host
// imports, instrument_enter and instrument_exit, around its original body.
// The host keeps one call stack per instance and writes a record for every
// completed call.
//
// # Architecture Overview
//
//	calltrace/           Runner: instrument, load and call in one step
//	├── wasm/            Core module model, binary decoding and encoding
//	├── instrument/      Hook injection and shim synthesis
//	├── tracer/          Per-execution call stacks and hook semantics
//	├── host/            wazero host module and instance management
//	├── sink/            Trace destinations: JSONL, SQLite, OpenTelemetry
//	├── config/          File, environment and flag configuration
//	├── errors/          Structured error types
//	└── cmd/wasmtrace/   Command line interface
//
// # Quick Start
//
//	r, err := calltrace.NewRunner(ctx, wasmBytes, sink.NewJSONL(os.Stdout), calltrace.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer r.Close(ctx)
//
//	results, err := r.Call(ctx, "add", api.EncodeI32(2), api.EncodeI32(3))
//
// Each Call runs on a fresh instance, so a trap in one call leaves the next
// with an empty stack. Use Instantiate to keep state across calls.
//
// # Trace Format
//
// JSONL sinks write one object per line:
//
//	{"index":0,"name":"add","start":"2024-01-01T00:00:00Z","end":"2024-01-01T00:00:00.0000015Z"}
//
// index is the function index in the uninstrumented module. By default an
// enter record with end equal to start precedes each exit record.
//
// # Thread Safety
//
// Runner, host.Host and tracer.Tracer are safe for concurrent use. An
// instance and its Execution belong to one goroutine at a time.
package calltrace
