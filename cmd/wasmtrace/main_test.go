package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wippyai/wasm-calltrace/instrument"
	"github.com/wippyai/wasm-calltrace/sink"
	"github.com/wippyai/wasm-calltrace/wasm"
)

func addSubModule() *wasm.Module {
	binary := wasm.FuncType{Params: []wasm.ValType{wasm.ValI32, wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}}
	return &wasm.Module{
		Types: []wasm.FuncType{binary},
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

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// execute runs the CLI and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append(args, "--log-level", "error"))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func readTrace(t *testing.T, path string) []sink.Record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := sink.ReadJSONL(f)
	if err != nil {
		t.Fatalf("ReadJSONL: %v", err)
	}
	return records
}

func recordNames(records []sink.Record) []string {
	var out []string
	for _, r := range records {
		out = append(out, r.Phase.String()+" "+r.Name)
	}
	return out
}

func TestInstrumentCommand(t *testing.T) {
	in := writeFile(t, "addsub.wasm", addSubModule().Encode())
	out := filepath.Join(filepath.Dir(in), "addsub.instr.wasm")

	if _, _, err := execute(t, "instrument", in, "-o", out, "--version-globals"); err != nil {
		t.Fatalf("instrument: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	m, err := wasm.ParseModuleValidate(data)
	if err != nil {
		t.Fatalf("output does not validate: %v", err)
	}
	det := instrument.Detect(m)
	if !det.Instrumented || det.Namespace != instrument.DefaultNamespace {
		t.Fatalf("Detect = %+v", det)
	}
	if det.Version == nil || *det.Version != instrument.Current {
		t.Errorf("version = %v, want %v", det.Version, instrument.Current)
	}
}

func TestInstrumentFailureWritesNothing(t *testing.T) {
	in := writeFile(t, "bad.wasm", []byte("not wasm"))
	out := filepath.Join(filepath.Dir(in), "out.wasm")

	if _, _, err := execute(t, "instrument", in, "-o", out); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("output exists after failure: %v", err)
	}
	entries, _ := os.ReadDir(filepath.Dir(in))
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want only the input", len(entries))
	}
}

func TestInstrumentRequiresOutput(t *testing.T) {
	in := writeFile(t, "addsub.wasm", addSubModule().Encode())
	if _, _, err := execute(t, "instrument", in); err == nil {
		t.Fatal("expected error without --output")
	}
}

func TestDumpConfig(t *testing.T) {
	stdout, _, err := execute(t, "instrument", "--dump-config", "--namespace", "probe", "--scope", "named")
	if err != nil {
		t.Fatalf("dump-config: %v", err)
	}
	for _, want := range []string{"namespace: probe", "scope: named", "redirect_calls: true"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("output lacks %q:\n%s", want, stdout)
		}
	}
}

func TestRunTraceFile(t *testing.T) {
	in := writeFile(t, "addsub.wasm", addSubModule().Encode())
	trace := filepath.Join(filepath.Dir(in), "trace.jsonl")

	stdout, _, err := execute(t, "run", in, "--func", "add", "--args", "2,3", "--trace", trace)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stdout != "5\n" {
		t.Errorf("stdout = %q, want %q", stdout, "5\n")
	}
	got := recordNames(readTrace(t, trace))
	if diff := cmp.Diff([]string{"enter add", "exit add"}, got); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestRunTraceToStdout(t *testing.T) {
	in := writeFile(t, "addsub.wasm", addSubModule().Encode())

	stdout, stderr, err := execute(t, "run", in, "--func", "sub", "--args", "2,5", "--emit", "exit-only")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	records, err := sink.ReadJSONL(strings.NewReader(stdout))
	if err != nil {
		t.Fatalf("stdout is not a trace: %v\n%s", err, stdout)
	}
	if diff := cmp.Diff([]string{"exit sub"}, recordNames(records)); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(stderr, "-3\n") {
		t.Errorf("stderr = %q, want the result", stderr)
	}
}

func TestRunParallel(t *testing.T) {
	in := writeFile(t, "addsub.wasm", addSubModule().Encode())
	trace := filepath.Join(filepath.Dir(in), "trace.jsonl")

	stdout, _, err := execute(t, "run", in, "--func", "add", "--args", "1,1", "--parallel", "4", "--trace", trace, "--metrics")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := len(readTrace(t, trace)); n != 8 {
		t.Errorf("trace holds %d records, want 8", n)
	}
	for _, want := range []string{"[0] 2", "[3] 2", "wasmtrace_hook_calls_total"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("stdout lacks %q:\n%s", want, stdout)
		}
	}
}

func TestRunInstrumentedModule(t *testing.T) {
	src := addSubModule().Encode()
	bin, err := instrument.Instrument(src, instrument.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.wasm")
	binPath := filepath.Join(dir, "instr.wasm")
	trace := filepath.Join(dir, "trace.jsonl")
	for path, data := range map[string][]byte{srcPath: src, binPath: bin} {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if _, _, err := execute(t, "run", binPath, "--func", "add", "--args", "1,2", "--trace", trace); err == nil {
		t.Fatal("expected error without --source")
	}
	if _, _, err := execute(t, "run", binPath, "--func", "add", "--args", "1,2", "--trace", trace, "--source", srcPath); err != nil {
		t.Fatalf("run: %v", err)
	}
	if diff := cmp.Diff([]string{"enter add", "exit add"}, recordNames(readTrace(t, trace))); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestRunErrors(t *testing.T) {
	in := writeFile(t, "addsub.wasm", addSubModule().Encode())
	tests := []struct {
		name string
		args []string
	}{
		{"missing func", []string{"run", in}},
		{"unknown func", []string{"run", in, "--func", "mul"}},
		{"wrong arity", []string{"run", in, "--func", "add", "--args", "1"}},
		{"bad number", []string{"run", in, "--func", "add", "--args", "1,x"}},
		{"bad emit", []string{"run", in, "--func", "add", "--args", "1,2", "--emit", "both"}},
		{"zero parallel", []string{"run", in, "--func", "add", "--args", "1,2", "--parallel", "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := execute(t, tt.args...); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestInspectModule(t *testing.T) {
	in := writeFile(t, "addsub.wasm", addSubModule().Encode())

	stdout, _, err := execute(t, "inspect", in)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	for _, want := range []string{"instrumented: no", "(func $add (param i32 i32) (result i32))", "functions: 2 (0 imported)"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("output lacks %q:\n%s", want, stdout)
		}
	}

	bin, err := instrument.Instrument(addSubModule().Encode(), instrument.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	stdout, _, err = execute(t, "inspect", writeFile(t, "instr.wasm", bin))
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !strings.Contains(stdout, `instrumented: yes (namespace "instrument", enter 0, exit 1)`) {
		t.Errorf("detection missing:\n%s", stdout)
	}
}

func TestInspectTrace(t *testing.T) {
	in := writeFile(t, "addsub.wasm", addSubModule().Encode())
	trace := filepath.Join(filepath.Dir(in), "trace.jsonl")
	for _, fn := range []string{"add", "add", "sub"} {
		if _, _, err := execute(t, "run", in, "--func", fn, "--args", "4,1", "--trace", trace); err != nil {
			t.Fatalf("run %s: %v", fn, err)
		}
	}

	stdout, _, err := execute(t, "inspect", trace)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !strings.Contains(stdout, "records: 6 (3 enter, 3 exit)") {
		t.Errorf("summary line missing:\n%s", stdout)
	}
	var calls map[string]string
	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 6 && (fields[1] == "add" || fields[1] == "sub") {
			if calls == nil {
				calls = make(map[string]string)
			}
			calls[fields[1]] = fields[2]
		}
	}
	if diff := cmp.Diff(map[string]string{"add": "2", "sub": "1"}, calls); diff != "" {
		t.Errorf("call counts mismatch (-want +got):\n%s", diff)
	}
}

func TestParseArgs(t *testing.T) {
	types := []wasm.ValType{wasm.ValI32, wasm.ValI64, wasm.ValF32, wasm.ValF64}
	got, err := parseArgs([]string{"-1", "0x10", "1.5", " 2.25"}, types)
	if err != nil {
		t.Fatal(err)
	}
	if s := formatResults(got, types); s != "-1 16 1.5 2.25" {
		t.Errorf("formatResults = %q", s)
	}

	u32, err := parseArgs([]string{"4294967295"}, []wasm.ValType{wasm.ValI32})
	if err != nil {
		t.Fatal(err)
	}
	if s := formatResults(u32, []wasm.ValType{wasm.ValI32}); s != "-1" {
		t.Errorf("u32 max renders as %q, want -1", s)
	}

	if _, err := parseArgs([]string{"1"}, []wasm.ValType{wasm.ValV128}); err == nil {
		t.Error("v128 argument accepted")
	}
}
