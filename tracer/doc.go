// Package tracer implements the host side of the instrument_enter and
// instrument_exit hooks.
//
// A Tracer holds state shared by every instance of one instrumented module:
// the NameIndex built from the source module, the sink, metrics and the
// emission policy. Each execution context gets its own Execution, which
// owns a CallStack:
//
//	tr := tracer.New(names, sink.NewJSONL(w), tracer.DefaultOptions())
//	exec := tr.NewExecution("")
//	_ = exec.Enter(0) // instrument_enter(0)
//	_ = exec.Exit(0)  // instrument_exit(0)
//	err := exec.Close()
//
// A protocol violation (an unknown id, an exit without enter, or an exit
// for another function in strict mode) terminates the Execution: the error
// is returned from the hook and from every later hook call.
package tracer
