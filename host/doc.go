// Package host runs instrumented modules on wazero and routes their hook
// calls to a tracer.
//
// A Host owns one wazero runtime. It provides the hook namespace as a host
// module whose instrument_enter and instrument_exit functions find the
// calling instance's tracer.Execution by module name. Every Instance gets
// a unique name and its own Execution, so instances can run in parallel.
//
//	h, _ := host.New(ctx, tr, host.DefaultOptions())
//	mod, _ := h.Load(ctx, instrumented)
//	inst, _ := mod.Instantiate(ctx)
//	res, err := inst.Call(ctx, "add", 2, 3)
//	err = inst.Close(ctx)
//
// A protocol violation aborts the guest call: the hook panics with the
// violation and wazero returns it from Call, wrapped. The host process is
// unaffected and errors.Is matches the tracer sentinels.
package host
