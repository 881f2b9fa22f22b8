package instrument

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-calltrace/wasm"
)

// nestedModule exports inner(x) = x + 1 and outer(x) = inner(x) * 2.
func nestedModule() *wasm.Module {
	unary := wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}}
	return &wasm.Module{
		Types: []wasm.FuncType{unary},
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

// hookLog records hook invocations as "enter 1" / "exit 1".
type hookLog []string

func instantiateHooks(ctx context.Context, t *testing.T, r wazero.Runtime, namespace string, log *hookLog) {
	t.Helper()
	record := func(kind string) api.GoModuleFunc {
		return func(_ context.Context, _ api.Module, stack []uint64) {
			*log = append(*log, fmt.Sprintf("%s %d", kind, api.DecodeI32(stack[0])))
		}
	}
	_, err := r.NewHostModuleBuilder(namespace).
		NewFunctionBuilder().
		WithGoModuleFunction(record("enter"), []api.ValueType{api.ValueTypeI32}, nil).
		Export(EnterHook).
		NewFunctionBuilder().
		WithGoModuleFunction(record("exit"), []api.ValueType{api.ValueTypeI32}, nil).
		Export(ExitHook).
		Instantiate(ctx)
	if err != nil {
		t.Fatalf("host module: %v", err)
	}
}

func instantiatePair(t *testing.T, src *wasm.Module, log *hookLog) (orig, inst api.Module) {
	t.Helper()
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	t.Cleanup(func() { _ = r.Close(ctx) })

	instrumented, err := Instrument(src.Encode(), DefaultOptions())
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	instantiateHooks(ctx, t, r, DefaultNamespace, log)

	orig, err = r.InstantiateWithConfig(ctx, src.Encode(), wazero.NewModuleConfig().WithName("original"))
	if err != nil {
		t.Fatalf("instantiate original: %v", err)
	}
	inst, err = r.InstantiateWithConfig(ctx, instrumented, wazero.NewModuleConfig().WithName("instrumented"))
	if err != nil {
		t.Fatalf("instantiate instrumented: %v", err)
	}
	return orig, inst
}

func TestTransparency_AddSub(t *testing.T) {
	var log hookLog
	orig, inst := instantiatePair(t, addSubModule(), &log)
	ctx := context.Background()

	inputs := []int32{0, 1, -1, 2, 3, 1000, math.MaxInt32, math.MinInt32}
	for _, name := range []string{"add", "sub"} {
		for _, a := range inputs {
			for _, b := range inputs {
				args := []uint64{api.EncodeI32(a), api.EncodeI32(b)}
				want, err := orig.ExportedFunction(name).Call(ctx, args...)
				if err != nil {
					t.Fatal(err)
				}
				got, err := inst.ExportedFunction(name).Call(ctx, args...)
				if err != nil {
					t.Fatal(err)
				}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Fatalf("%s(%d, %d) differs:\n%s", name, a, b, diff)
				}
			}
		}
	}

	log = log[:0]
	res, err := inst.ExportedFunction("add").Call(ctx, api.EncodeI32(2), api.EncodeI32(3))
	if err != nil {
		t.Fatal(err)
	}
	if got := api.DecodeI32(res[0]); got != 5 {
		t.Errorf("add(2, 3) = %d", got)
	}
	if diff := cmp.Diff(hookLog{"enter 0", "exit 0"}, log); diff != "" {
		t.Errorf("hook calls (-want +got):\n%s", diff)
	}
}

func TestTransparency_Nested(t *testing.T) {
	var log hookLog
	orig, inst := instantiatePair(t, nestedModule(), &log)
	ctx := context.Background()

	want, err := orig.ExportedFunction("outer").Call(ctx, api.EncodeI32(5))
	if err != nil {
		t.Fatal(err)
	}
	got, err := inst.ExportedFunction("outer").Call(ctx, api.EncodeI32(5))
	if err != nil {
		t.Fatal(err)
	}
	if api.DecodeI32(got[0]) != 12 || got[0] != want[0] {
		t.Errorf("outer(5) = %d, original %d", api.DecodeI32(got[0]), api.DecodeI32(want[0]))
	}
	if diff := cmp.Diff(hookLog{"enter 1", "enter 0", "exit 0", "exit 1"}, log); diff != "" {
		t.Errorf("hook calls (-want +got):\n%s", diff)
	}
}

func TestTransparency_MultiValue(t *testing.T) {
	sig := wasm.FuncType{
		Params:  []wasm.ValType{wasm.ValI32},
		Results: []wasm.ValType{wasm.ValI32, wasm.ValI64, wasm.ValF32},
	}
	f32 := math.Float32bits(1.5)
	src := &wasm.Module{
		Types:   []wasm.FuncType{sig},
		Funcs:   []uint32{0},
		Exports: []wasm.Export{{Name: "triple", Kind: wasm.KindFunc, Idx: 0}},
		Code: []wasm.FuncBody{{Code: []byte{
			wasm.OpLocalGet, 0,
			wasm.OpI64Const, 0x7F, // -1
			wasm.OpF32Const, byte(f32), byte(f32 >> 8), byte(f32 >> 16), byte(f32 >> 24),
			wasm.OpEnd,
		}}},
	}

	var log hookLog
	orig, inst := instantiatePair(t, src, &log)
	ctx := context.Background()
	want, err := orig.ExportedFunction("triple").Call(ctx, api.EncodeI32(42))
	if err != nil {
		t.Fatal(err)
	}
	got, err := inst.ExportedFunction("triple").Call(ctx, api.EncodeI32(42))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("results differ (-want +got):\n%s", diff)
	}
	if api.DecodeI32(got[0]) != 42 || int64(got[1]) != -1 || api.DecodeF32(got[2]) != 1.5 {
		t.Errorf("unexpected results %v", got)
	}
	if diff := cmp.Diff(hookLog{"enter 0", "exit 0"}, log); diff != "" {
		t.Errorf("hook calls (-want +got):\n%s", diff)
	}
}

func TestTransparency_Trap(t *testing.T) {
	src := &wasm.Module{
		Types:   []wasm.FuncType{{}},
		Funcs:   []uint32{0},
		Exports: []wasm.Export{{Name: "boom", Kind: wasm.KindFunc, Idx: 0}},
		Code:    []wasm.FuncBody{{Code: []byte{wasm.OpUnreachable, wasm.OpEnd}}},
	}
	var log hookLog
	_, inst := instantiatePair(t, src, &log)
	if _, err := inst.ExportedFunction("boom").Call(context.Background()); err == nil {
		t.Fatal("expected trap")
	}
	// the exit hook never runs on a trap
	if diff := cmp.Diff(hookLog{"enter 0"}, log); diff != "" {
		t.Errorf("hook calls (-want +got):\n%s", diff)
	}
}

func TestTransparency_RefFuncDeclaredOnlyByExport(t *testing.T) {
	// f's export is its only declaration; once the export points at the
	// shim, the ref.func in g needs another one
	unary := wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}}
	src := &wasm.Module{
		Types: []wasm.FuncType{unary, {Results: []wasm.ValType{wasm.ValI32}}},
		Funcs: []uint32{0, 1},
		Exports: []wasm.Export{
			{Name: "f", Kind: wasm.KindFunc, Idx: 0},
			{Name: "g", Kind: wasm.KindFunc, Idx: 1},
		},
		Code: []wasm.FuncBody{
			{Code: []byte{wasm.OpLocalGet, 0, wasm.OpI32Const, 1, wasm.OpI32Add, wasm.OpEnd}},
			{Code: []byte{wasm.OpRefFunc, 0, wasm.OpDrop, wasm.OpI32Const, 7, wasm.OpCall, 0, wasm.OpEnd}},
		},
	}

	bin, err := Instrument(src.Encode(), DefaultOptions())
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	out, err := wasm.ParseModuleValidate(bin)
	if err != nil {
		t.Fatalf("instrumented module invalid: %v", err)
	}
	var declarative []wasm.Element
	for _, el := range out.Elements {
		if el.Flags == 3 {
			declarative = append(declarative, el)
		}
	}
	if len(declarative) != 1 {
		t.Fatalf("declarative segments = %d, want 1", len(declarative))
	}
	// f moved from 0 to 2 past the hook imports
	if diff := cmp.Diff([]uint32{2}, declarative[0].FuncIdxs); diff != "" {
		t.Errorf("declared functions (-want +got):\n%s", diff)
	}

	var log hookLog
	orig, inst := instantiatePair(t, src, &log)
	ctx := context.Background()
	want, err := orig.ExportedFunction("g").Call(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got, err := inst.ExportedFunction("g").Call(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if api.DecodeI32(got[0]) != 8 || got[0] != want[0] {
		t.Errorf("g() = %d, original %d", api.DecodeI32(got[0]), api.DecodeI32(want[0]))
	}
	if diff := cmp.Diff(hookLog{"enter 1", "enter 0", "exit 0", "exit 1"}, log); diff != "" {
		t.Errorf("hook calls (-want +got):\n%s", diff)
	}
}
