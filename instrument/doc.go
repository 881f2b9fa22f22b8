// Package instrument injects call-boundary hooks into WebAssembly modules.
//
// Every selected function is wrapped by a synthesized shim with the same
// signature. The shim calls the enter hook with the function's id, forwards
// its parameters to the original, stores the results, calls the exit hook
// and returns the stored results:
//
//	(func $instrument_exp_add (param i32 i32) (result i32)
//	  (local i32)
//	  i32.const 1
//	  call $instrument_enter
//	  local.get 0
//	  local.get 1
//	  call $add
//	  local.set 2
//	  i32.const 1
//	  call $instrument_exit
//	  local.get 2)
//
// The hooks are imported from Options.Namespace as instrument_enter and
// instrument_exit, both (param i32). The id passed to them is the function
// index in the source module, so a tracer must build its name index from
// the same bytes that were instrumented.
//
// Basic usage:
//
//	out, err := instrument.Instrument(src, instrument.DefaultOptions())
//
// Shims take over the export names of the functions they wrap. With
// RedirectCalls set, direct calls between wrapped functions also go through
// the shims, so nested calls produce nested hook pairs. Calls through
// tables and ref.func values reach the original functions.
package instrument
