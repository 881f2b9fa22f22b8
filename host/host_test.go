package host

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/wasm-calltrace/errors"
	"github.com/wippyai/wasm-calltrace/instrument"
	"github.com/wippyai/wasm-calltrace/sink"
	"github.com/wippyai/wasm-calltrace/tracer"
	"github.com/wippyai/wasm-calltrace/wasm"
)

var (
	binaryI32 = wasm.FuncType{Params: []wasm.ValType{wasm.ValI32, wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}}
	unaryI32  = wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}}
)

func addSubModule() *wasm.Module {
	return &wasm.Module{
		Types: []wasm.FuncType{binaryI32},
		Funcs: []uint32{0, 0},
		Exports: []wasm.Export{
			{Name: "add", Kind: wasm.KindFunc, Idx: 0},
			{Name: "sub", Kind: wasm.KindFunc, Idx: 1},
		},
		Code: []wasm.FuncBody{
			{Code: []byte{wasm.OpLocalGet, 0, wasm.OpLocalGet, 1, wasm.OpI32Add, wasm.OpEnd}},
			{Code: []byte{wasm.OpLocalGet, 0, wasm.OpLocalGet, 1, wasm.OpI32Sub, wasm.OpEnd}},
		},
	}
}

// nestedModule exports inner(x) = x + 1 and outer(x) = inner(x) * 2.
func nestedModule() *wasm.Module {
	return &wasm.Module{
		Types: []wasm.FuncType{unaryI32},
		Funcs: []uint32{0, 0},
		Exports: []wasm.Export{
			{Name: "inner", Kind: wasm.KindFunc, Idx: 0},
			{Name: "outer", Kind: wasm.KindFunc, Idx: 1},
		},
		Code: []wasm.FuncBody{
			{Code: []byte{wasm.OpLocalGet, 0, wasm.OpI32Const, 1, wasm.OpI32Add, wasm.OpEnd}},
			{Code: []byte{wasm.OpLocalGet, 0, wasm.OpCall, 0, wasm.OpI32Const, 2, wasm.OpI32Mul, wasm.OpEnd}},
		},
	}
}

type fixture struct {
	host *Host
	mem  *sink.Memory
	mod  *Module
}

// load instruments src, builds the name index from src and loads the
// result into a fresh host.
func load(t *testing.T, src *wasm.Module, iopts instrument.Options, hopts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	bin, err := instrument.Instrument(src.Encode(), iopts)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	names, err := tracer.NewNameIndex(src)
	if err != nil {
		t.Fatal(err)
	}
	mem := &sink.Memory{}
	h, err := New(ctx, tracer.New(names, mem, tracer.DefaultOptions()), hopts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = h.Close(ctx) })
	mod, err := h.Load(ctx, bin)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return &fixture{host: h, mem: mem, mod: mod}
}

func instantiate(t *testing.T, mod *Module) *Instance {
	t.Helper()
	inst, err := mod.Instantiate(context.Background())
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	return inst
}

type call struct {
	phase sink.Phase
	name  string
	index uint32
	depth int
}

func calls(recs []sink.Record) []call {
	out := make([]call, len(recs))
	for i, r := range recs {
		out[i] = call{phase: r.Phase, name: r.Name, index: r.Index, depth: r.Depth}
	}
	return out
}

func TestHost_AddSub(t *testing.T) {
	f := load(t, addSubModule(), instrument.DefaultOptions(), DefaultOptions())
	inst := instantiate(t, f.mod)

	res, err := inst.Call(context.Background(), "add", api.EncodeI32(2), api.EncodeI32(3))
	if err != nil {
		t.Fatal(err)
	}
	if got := api.DecodeI32(res[0]); got != 5 {
		t.Errorf("add(2, 3) = %d", got)
	}
	want := []call{
		{phase: sink.PhaseEnter, name: "add", index: 0},
		{phase: sink.PhaseExit, name: "add", index: 0},
	}
	if diff := cmp.Diff(want, calls(f.mem.Records()), cmp.AllowUnexported(call{})); diff != "" {
		t.Errorf("records (-want +got):\n%s", diff)
	}
	for _, r := range f.mem.Records() {
		if r.Execution != inst.Name() {
			t.Errorf("record execution = %q, want %q", r.Execution, inst.Name())
		}
	}
	if err := inst.Close(context.Background()); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestHost_NoExportedFunctions(t *testing.T) {
	src := &wasm.Module{
		Types:    []wasm.FuncType{{Results: []wasm.ValType{wasm.ValI32}}},
		Funcs:    []uint32{0},
		Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}},
		Exports:  []wasm.Export{{Name: "memory", Kind: wasm.KindMemory, Idx: 0}},
		Code:     []wasm.FuncBody{{Code: []byte{wasm.OpI32Const, 7, wasm.OpEnd}}},
	}
	f := load(t, src, instrument.DefaultOptions(), DefaultOptions())
	inst := instantiate(t, f.mod)
	if len(f.mod.Exports()) != 0 {
		t.Errorf("exports = %v", f.mod.Exports())
	}
	if inst.Module().Memory() == nil {
		t.Error("memory export lost")
	}
	if err := inst.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.mem.Len() != 0 {
		t.Errorf("got %d records, want none", f.mem.Len())
	}
}

func TestHost_UnnamedFunctionNeverTraced(t *testing.T) {
	// run(x) calls an unnamed, unexported helper
	src := &wasm.Module{
		Types: []wasm.FuncType{unaryI32},
		Funcs: []uint32{0, 0, 0},
		Exports: []wasm.Export{
			{Name: "run", Kind: wasm.KindFunc, Idx: 0},
			{Name: "other", Kind: wasm.KindFunc, Idx: 2},
		},
		Code: []wasm.FuncBody{
			{Code: []byte{wasm.OpLocalGet, 0, wasm.OpCall, 1, wasm.OpEnd}},
			{Code: []byte{wasm.OpLocalGet, 0, wasm.OpI32Const, 3, wasm.OpI32Mul, wasm.OpEnd}},
			{Code: []byte{wasm.OpLocalGet, 0, wasm.OpEnd}},
		},
	}
	f := load(t, src, instrument.DefaultOptions(), DefaultOptions())
	if _, ok := f.host.Tracer().Names().Lookup(1); ok {
		t.Fatal("helper should not be in the name index")
	}
	inst := instantiate(t, f.mod)
	ctx := context.Background()
	res, err := inst.Call(ctx, "run", api.EncodeI32(4))
	if err != nil {
		t.Fatal(err)
	}
	if api.DecodeI32(res[0]) != 12 {
		t.Errorf("run(4) = %d", api.DecodeI32(res[0]))
	}
	if _, err := inst.Call(ctx, "other", 1); err != nil {
		t.Fatal(err)
	}
	for _, r := range f.mem.Records() {
		if r.Index == 1 {
			t.Errorf("helper traced: %+v", r)
		}
	}
	if f.mem.Len() != 4 {
		t.Errorf("got %d records, want 4", f.mem.Len())
	}
}

// rawHookModule imports the hooks directly and exports
// bad() = instrument_exit(0) and good() = enter(0); exit(0).
func rawHookModule() *wasm.Module {
	hook := wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}}
	return &wasm.Module{
		Types: []wasm.FuncType{hook, {}},
		Imports: []wasm.Import{
			{Module: instrument.DefaultNamespace, Name: instrument.EnterHook, Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}},
			{Module: instrument.DefaultNamespace, Name: instrument.ExitHook, Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}},
		},
		Funcs: []uint32{1, 1},
		Exports: []wasm.Export{
			{Name: "bad", Kind: wasm.KindFunc, Idx: 2},
			{Name: "good", Kind: wasm.KindFunc, Idx: 3},
		},
		Code: []wasm.FuncBody{
			{Code: []byte{wasm.OpI32Const, 0, wasm.OpCall, 1, wasm.OpEnd}},
			{Code: []byte{wasm.OpI32Const, 0, wasm.OpCall, 0, wasm.OpI32Const, 0, wasm.OpCall, 1, wasm.OpEnd}},
		},
	}
}

func TestHost_ExitOnEmptyStack(t *testing.T) {
	ctx := context.Background()
	names := tracer.NameIndexFromFunctions([]wasm.FunctionDescriptor{{ID: 0, Name: "f", HasName: true}})
	mem := &sink.Memory{}
	h, err := New(ctx, tracer.New(names, mem, tracer.DefaultOptions()), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close(ctx)
	mod, err := h.Load(ctx, rawHookModule().Encode())
	if err != nil {
		t.Fatal(err)
	}

	inst := instantiate(t, mod)
	_, err = inst.Call(ctx, "bad")
	if err == nil {
		t.Fatal("expected protocol violation")
	}
	if !stderrors.Is(err, tracer.ErrEmptyStack) {
		t.Errorf("err = %v, want empty stack", err)
	}
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseHook, Kind: errors.KindProtocolViolation}) {
		t.Errorf("err = %v, want protocol violation", err)
	}

	// the execution stays terminated
	_, err = inst.Call(ctx, "good")
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseRuntime, Kind: errors.KindTerminated}) {
		t.Errorf("call after violation: %v", err)
	}
	if err := inst.Close(ctx); !stderrors.Is(err, tracer.ErrEmptyStack) {
		t.Errorf("Close = %v", err)
	}

	// the host keeps serving new instances
	fresh := instantiate(t, mod)
	if _, err := fresh.Call(ctx, "good"); err != nil {
		t.Fatalf("fresh instance: %v", err)
	}
	if err := fresh.Close(ctx); err != nil {
		t.Error(err)
	}
	if mem.Len() != 2 {
		t.Errorf("got %d records, want 2", mem.Len())
	}
}

func TestHost_Nesting(t *testing.T) {
	f := load(t, nestedModule(), instrument.DefaultOptions(), DefaultOptions())
	inst := instantiate(t, f.mod)
	res, err := inst.Call(context.Background(), "outer", api.EncodeI32(5))
	if err != nil {
		t.Fatal(err)
	}
	if api.DecodeI32(res[0]) != 12 {
		t.Errorf("outer(5) = %d", api.DecodeI32(res[0]))
	}
	want := []call{
		{phase: sink.PhaseEnter, name: "outer", index: 1, depth: 0},
		{phase: sink.PhaseEnter, name: "inner", index: 0, depth: 1},
		{phase: sink.PhaseExit, name: "inner", index: 0, depth: 1},
		{phase: sink.PhaseExit, name: "outer", index: 1, depth: 0},
	}
	if diff := cmp.Diff(want, calls(f.mem.Records()), cmp.AllowUnexported(call{})); diff != "" {
		t.Errorf("records (-want +got):\n%s", diff)
	}
	recs := f.mem.Records()
	inner, outer := recs[2], recs[3]
	if inner.Start.Before(outer.Start) || inner.End.After(outer.End) {
		t.Error("inner call must lie within outer")
	}
}

func TestHost_TrapLeavesUnmatched(t *testing.T) {
	src := &wasm.Module{
		Types:   []wasm.FuncType{{}},
		Funcs:   []uint32{0},
		Exports: []wasm.Export{{Name: "boom", Kind: wasm.KindFunc, Idx: 0}},
		Code:    []wasm.FuncBody{{Code: []byte{wasm.OpUnreachable, wasm.OpEnd}}},
	}
	f := load(t, src, instrument.DefaultOptions(), DefaultOptions())
	inst := instantiate(t, f.mod)
	if _, err := inst.Call(context.Background(), "boom"); err == nil {
		t.Fatal("expected trap")
	}
	if inst.Execution().Depth() != 1 {
		t.Errorf("depth after trap = %d", inst.Execution().Depth())
	}
	err := inst.Close(context.Background())
	var unmatched *tracer.UnmatchedError
	if !stderrors.As(err, &unmatched) || unmatched.Events[0].Name != "boom" {
		t.Errorf("Close = %v, want unmatched boom", err)
	}
}

func TestHost_CloseReportsOpenExecutions(t *testing.T) {
	src := &wasm.Module{
		Types:   []wasm.FuncType{{}},
		Funcs:   []uint32{0},
		Exports: []wasm.Export{{Name: "boom", Kind: wasm.KindFunc, Idx: 0}},
		Code:    []wasm.FuncBody{{Code: []byte{wasm.OpUnreachable, wasm.OpEnd}}},
	}
	f := load(t, src, instrument.DefaultOptions(), DefaultOptions())
	inst := instantiate(t, f.mod)
	if _, err := inst.Call(context.Background(), "boom"); err == nil {
		t.Fatal("expected trap")
	}
	active := f.host.Tracer().Metrics().ActiveExecutions
	if got := testutil.ToFloat64(active); got != 1 {
		t.Fatalf("active executions before Close = %v", got)
	}

	// the instance is left open
	err := f.host.Close(context.Background())
	var unmatched *tracer.UnmatchedError
	if !stderrors.As(err, &unmatched) || unmatched.Events[0].Name != "boom" {
		t.Errorf("Close = %v, want unmatched boom", err)
	}
	if got := testutil.ToFloat64(active); got != 0 {
		t.Errorf("active executions after Close = %v", got)
	}
	if got := testutil.ToFloat64(f.host.Tracer().Metrics().Unmatched); got != 1 {
		t.Errorf("unmatched = %v", got)
	}
}

func TestHost_StartFunctionTraced(t *testing.T) {
	// the start function calls the exported setup, which is redirected to
	// its shim
	src := &wasm.Module{
		Types:   []wasm.FuncType{{}},
		Funcs:   []uint32{0, 0},
		Exports: []wasm.Export{{Name: "setup", Kind: wasm.KindFunc, Idx: 1}},
		Start:   func() *uint32 { v := uint32(0); return &v }(),
		Code: []wasm.FuncBody{
			{Code: []byte{wasm.OpCall, 1, wasm.OpEnd}},
			{Code: []byte{wasm.OpEnd}},
		},
	}
	f := load(t, src, instrument.DefaultOptions(), DefaultOptions())
	inst := instantiate(t, f.mod)
	defer inst.Close(context.Background())
	recs := f.mem.Records()
	if len(recs) != 2 || recs[0].Name != "setup" || recs[0].Execution != inst.Name() {
		t.Errorf("records at instantiation = %+v", recs)
	}
}

func TestHost_LegacyEmptyNamespace(t *testing.T) {
	iopts := instrument.DefaultOptions()
	iopts.Namespace = ""
	f := load(t, addSubModule(), iopts, DefaultOptions())
	if f.mod.Namespace() != LegacyNamespace {
		t.Errorf("namespace = %q, want %q", f.mod.Namespace(), LegacyNamespace)
	}
	inst := instantiate(t, f.mod)
	if _, err := inst.Call(context.Background(), "sub", 5, 3); err != nil {
		t.Fatal(err)
	}
	if f.mem.Len() != 2 || f.mem.Records()[0].Name != "sub" {
		t.Errorf("records = %+v", f.mem.Records())
	}
}

func TestHost_OtherNamespaceBoundOnLoad(t *testing.T) {
	iopts := instrument.DefaultOptions()
	iopts.Namespace = "calltrace"
	f := load(t, addSubModule(), iopts, DefaultOptions())
	if f.mod.Namespace() != "calltrace" {
		t.Fatalf("namespace = %q", f.mod.Namespace())
	}
	inst := instantiate(t, f.mod)
	if _, err := inst.Call(context.Background(), "add", 1, 1); err != nil {
		t.Fatal(err)
	}
	if f.mem.Len() != 2 {
		t.Errorf("got %d records", f.mem.Len())
	}
}

func TestHost_LoadErrors(t *testing.T) {
	ctx := context.Background()
	h, err := New(ctx, tracer.New(nil, sink.Discard, tracer.DefaultOptions()), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close(ctx)

	_, err = h.Load(ctx, addSubModule().Encode())
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseLoad, Kind: errors.KindNotFound}) {
		t.Errorf("uninstrumented module: %v", err)
	}

	_, err = h.Load(ctx, []byte("nope"))
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseLoad, Kind: errors.KindInvalidData}) {
		t.Errorf("garbage: %v", err)
	}

	withEnv := addSubModule()
	withEnv.Types = append(withEnv.Types, wasm.FuncType{})
	withEnv.Imports = []wasm.Import{{Module: "env", Name: "tick", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 1}}}
	withEnv.Exports[0].Idx, withEnv.Exports[1].Idx = 1, 2
	bin, err := instrument.Instrument(withEnv.Encode(), instrument.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.Load(ctx, bin)
	var missing *errors.MissingImportsError
	if !stderrors.As(err, &missing) {
		t.Fatalf("err = %v, want missing imports", err)
	}
	if diff := cmp.Diff([]errors.MissingImport{{Namespace: "env", Function: "tick"}}, missing.Imports); diff != "" {
		t.Errorf("missing (-want +got):\n%s", diff)
	}
}

func TestHost_CallUnknownExport(t *testing.T) {
	f := load(t, addSubModule(), instrument.DefaultOptions(), DefaultOptions())
	inst := instantiate(t, f.mod)
	_, err := inst.Call(context.Background(), "mul", 1, 2)
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseRuntime, Kind: errors.KindNotFound}) {
		t.Errorf("err = %v", err)
	}
	if inst.Execution().Terminated() {
		t.Error("a missing export must not terminate the execution")
	}
}

func TestHost_Version(t *testing.T) {
	iopts := instrument.DefaultOptions()
	iopts.VersionGlobals = true
	f := load(t, addSubModule(), iopts, DefaultOptions())
	if v, ok := f.mod.Version(); !ok || v != instrument.Current {
		t.Errorf("module version = %v, %v", v, ok)
	}
	inst := instantiate(t, f.mod)
	if v, ok := inst.Version(); !ok || v != instrument.Current {
		t.Errorf("instance version = %v, %v", v, ok)
	}

	plain := load(t, addSubModule(), instrument.DefaultOptions(), DefaultOptions())
	if _, ok := instantiate(t, plain.mod).Version(); ok {
		t.Error("no version globals expected")
	}
}

func TestHost_WASI(t *testing.T) {
	src := addSubModule()
	src.Types = append(src.Types, wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}})
	src.Imports = []wasm.Import{{Module: wasiModule, Name: "proc_exit", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 1}}}
	src.Exports[0].Idx, src.Exports[1].Idx = 1, 2

	hopts := DefaultOptions()
	hopts.WASI = true
	f := load(t, src, instrument.DefaultOptions(), hopts)
	inst := instantiate(t, f.mod)
	res, err := inst.Call(context.Background(), "add", 40, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res[0] != 42 {
		t.Errorf("add(40, 2) = %d", res[0])
	}
}

func TestHost_ParallelInstances(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	src := nestedModule()
	bin, err := instrument.Instrument(src.Encode(), instrument.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	names, err := tracer.NewNameIndex(src)
	if err != nil {
		t.Fatal(err)
	}
	mem := &sink.Memory{}
	h, err := New(ctx, tracer.New(names, mem, tracer.DefaultOptions()), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	mod, err := h.Load(ctx, bin)
	if err != nil {
		t.Fatal(err)
	}

	const workers, rounds = 8, 50
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			inst, err := mod.Instantiate(ctx)
			if err != nil {
				return err
			}
			for i := 0; i < rounds; i++ {
				res, err := inst.Call(ctx, "outer", api.EncodeI32(int32(i)))
				if err != nil {
					return err
				}
				if got := api.DecodeI32(res[0]); got != int32(i+1)*2 {
					return fmt.Errorf("outer(%d) = %d", i, got)
				}
			}
			return inst.Close(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(ctx); err != nil {
		t.Fatal(err)
	}

	perExec := map[string][]sink.Record{}
	for _, r := range mem.Records() {
		perExec[r.Execution] = append(perExec[r.Execution], r)
	}
	if len(perExec) != workers {
		t.Fatalf("got %d executions, want %d", len(perExec), workers)
	}
	for id, recs := range perExec {
		if len(recs) != rounds*4 {
			t.Errorf("%s: %d records, want %d", id, len(recs), rounds*4)
		}
		for i := 0; i+3 < len(recs); i += 4 {
			got := calls(recs[i : i+4])
			if got[0].name != "outer" || got[1].name != "inner" || got[2].name != "inner" || got[3].name != "outer" {
				t.Fatalf("%s: interleaved records %+v", id, got)
			}
		}
	}
}
