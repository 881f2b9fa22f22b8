package instrument

import (
	stderrors "errors"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-calltrace/errors"
	"github.com/wippyai/wasm-calltrace/wasm"
)

// Hook import names.
const (
	EnterHook = "instrument_enter"
	ExitHook  = "instrument_exit"

	// DefaultNamespace is the import module the hooks are declared in.
	DefaultNamespace = "instrument"

	// ShimPrefix prefixes the debug name of every synthesized shim.
	ShimPrefix = "instrument_exp_"
)

// Scope selects which functions are wrapped.
type Scope int

const (
	// ScopeExported wraps every exported function.
	ScopeExported Scope = iota

	// ScopeNamed additionally wraps defined functions that carry a name in
	// the name section, exporting their shims under that name.
	ScopeNamed
)

func (s Scope) String() string {
	switch s {
	case ScopeExported:
		return "exported"
	case ScopeNamed:
		return "named"
	}
	return "unknown"
}

// ParseScope converts "exported" or "named" to a Scope.
func ParseScope(s string) (Scope, error) {
	switch s {
	case "", "exported":
		return ScopeExported, nil
	case "named":
		return ScopeNamed, nil
	}
	return 0, errors.InvalidInput(errors.PhaseConfig, "unknown scope "+s)
}

// ErrAlreadyInstrumented matches errors for inputs that already import the
// hooks from the target namespace.
var ErrAlreadyInstrumented = &errors.Error{Phase: errors.PhaseInstrument, Kind: errors.KindAlreadyInstrumented}

// Options configures instrumentation.
type Options struct {
	// Only restricts wrapping to matching functions when set.
	Only FunctionMatcher
	// Skip excludes matching functions when set.
	Skip FunctionMatcher

	Logger *zap.Logger

	// Namespace is the import module of the hooks. The empty string is a
	// valid namespace.
	Namespace string
	Scope     Scope

	// VersionGlobals adds the exported schema version globals.
	VersionGlobals bool
	// RedirectCalls points direct calls to wrapped functions at their shims.
	RedirectCalls bool
}

// DefaultOptions returns the default configuration.
func DefaultOptions() Options {
	return Options{
		Namespace:     DefaultNamespace,
		Scope:         ScopeExported,
		RedirectCalls: true,
	}
}

// Wrapper describes one synthesized shim.
type Wrapper struct {
	// Target is the wrapped function as it appears in the source module.
	Target wasm.FunctionDescriptor
	// Index is the shim's function index in the instrumented module.
	Index uint32
	// Exports lists the names the shim is exported under.
	Exports []string
}

// Result is the outcome of instrumenting a module.
type Result struct {
	Module   *wasm.Module
	Wrappers []Wrapper

	// Source lists every function of the input module. Hook ids index it.
	Source []wasm.FunctionDescriptor

	EnterIndex uint32
	ExitIndex  uint32
	HookType   uint32
}

// Instrument parses src, wraps its functions and returns the encoded
// result. No output is produced when any step fails. A module that already
// imports both hooks from opts.Namespace is refused with
// ErrAlreadyInstrumented; instrument it under another namespace instead.
func Instrument(src []byte, opts Options) ([]byte, error) {
	m, err := Decode(src)
	if err != nil {
		return nil, err
	}
	res, err := instrumentModule(m, opts)
	if err != nil {
		return nil, err
	}
	return res.Module.Encode(), nil
}

// Module instruments a decoded module. The input is not modified. It
// refuses already-instrumented input the same way Instrument does.
func Module(m *wasm.Module, opts Options) (*Result, error) {
	clone, err := wasm.ParseModule(m.Encode())
	if err != nil {
		return nil, decodeError(err)
	}
	return instrumentModule(clone, opts)
}

// Decode parses src, reporting unsupported features as KindUnsupported and
// anything else as malformed input.
func Decode(src []byte) (*wasm.Module, error) {
	m, err := wasm.ParseModule(src)
	if err != nil {
		return nil, decodeError(err)
	}
	return m, nil
}

func decodeError(err error) error {
	if stderrors.Is(err, wasm.ErrUnsupported) {
		return errors.Unsupported(errors.PhaseInstrument, "module uses features outside the instrumentation model", err)
	}
	return errors.ParseFailed("module", err)
}

func instrumentModule(m *wasm.Module, opts Options) (*Result, error) {
	log := opts.Logger
	if log == nil {
		log = Logger()
	}

	if err := m.Validate(); err != nil {
		if stderrors.Is(err, wasm.ErrUnsupported) {
			return nil, decodeError(err)
		}
		return nil, errors.Wrap(errors.PhaseValidate, errors.KindInvalidData, err, "validate module")
	}
	if det := Detect(m); det.Instrumented && det.Namespace == opts.Namespace {
		return nil, errors.New(errors.PhaseInstrument, errors.KindAlreadyInstrumented).
			Path(opts.Namespace).
			Detail("module already imports %s and %s", EnterHook, ExitHook).
			Build()
	}

	source, err := m.Functions()
	if err != nil {
		return nil, errors.ParseFailed("name section", err)
	}
	targets := selectTargets(source, opts)

	numImported := uint32(m.NumImportedFuncs())
	numDefined := uint32(len(m.Funcs))
	res := &Result{
		Module:     m,
		Source:     source,
		EnterIndex: numImported,
		ExitIndex:  numImported + 1,
	}

	// the hooks are the last function imports, so every defined function
	// moves up by two
	res.HookType = m.AddType(wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}})
	for _, name := range []string{EnterHook, ExitHook} {
		m.Imports = append(m.Imports, wasm.Import{
			Module: opts.Namespace,
			Name:   name,
			Desc:   wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: res.HookType},
		})
	}
	shift := func(idx uint32) uint32 {
		if idx >= numImported {
			return idx + 2
		}
		return idx
	}

	shimBase := numImported + 2 + numDefined
	shimOf := make(map[uint32]uint32, len(targets))
	for i, fn := range targets {
		shimOf[fn.ID] = shimBase + uint32(i)
	}

	redirect := func(idx uint32, ins wasm.Instruction) uint32 {
		if opts.RedirectCalls && ins.IsCall() {
			if shim, ok := shimOf[idx]; ok {
				return shim
			}
		}
		return shift(idx)
	}
	if err := remapModule(m, shift, redirect); err != nil {
		return nil, errors.Wrap(errors.PhaseInstrument, errors.KindInvalidData, err, "rewrite function references")
	}

	for i, fn := range targets {
		m.Funcs = append(m.Funcs, fn.TypeIdx)
		m.Code = append(m.Code, buildShim(fn, shift(fn.ID), res.EnterIndex, res.ExitIndex))
		res.Wrappers = append(res.Wrappers, Wrapper{Target: fn, Index: shimBase + uint32(i)})
	}

	rewriteExports(m, res, shimOf, shift, log)

	// exports moved to shims may have been the only declaration of a
	// ref.func target
	declared, err := m.DeclareFuncRefs()
	if err != nil {
		return nil, errors.Wrap(errors.PhaseInstrument, errors.KindInvalidData, err, "declare function references")
	}
	if len(declared) > 0 {
		log.Debug("declared function references", zap.Uint32s("functions", declared))
	}

	if opts.VersionGlobals {
		if err := addVersionGlobals(m); err != nil {
			return nil, err
		}
	}

	if err := renameFunctions(m, res, shift); err != nil {
		return nil, err
	}

	if err := m.Validate(); err != nil {
		return nil, errors.Wrap(errors.PhaseInstrument, errors.KindInvalidData, err, "instrumented module failed validation")
	}

	log.Debug("instrumented module",
		zap.String("namespace", opts.Namespace),
		zap.Stringer("scope", opts.Scope),
		zap.Int("functions", len(source)),
		zap.Int("wrapped", len(res.Wrappers)),
		zap.Bool("version_globals", opts.VersionGlobals))
	for _, w := range res.Wrappers {
		log.Debug("wrapped function",
			zap.Uint32("id", w.Target.ID),
			zap.String("name", w.Target.Name),
			zap.Uint32("shim", w.Index),
			zap.Strings("exports", w.Exports))
	}
	return res, nil
}

// selectTargets returns the functions to wrap in index order.
func selectTargets(fns []wasm.FunctionDescriptor, opts Options) []wasm.FunctionDescriptor {
	var out []wasm.FunctionDescriptor
	for _, fn := range fns {
		eligible := fn.Exported()
		if !eligible && opts.Scope == ScopeNamed {
			eligible = !fn.Imported && fn.DebugName != ""
		}
		if !eligible {
			continue
		}
		if opts.Only != nil && !opts.Only.MatchFunction(fn.Name) {
			continue
		}
		if opts.Skip != nil && opts.Skip.MatchFunction(fn.Name) {
			continue
		}
		out = append(out, fn)
	}
	return out
}

// rewriteExports points the exports of wrapped functions at their shims in
// place, shifts the others, and exports named internal targets after the
// rest. Export indices are still source indices on entry.
func rewriteExports(m *wasm.Module, res *Result, shimOf map[uint32]uint32, shift func(uint32) uint32, log *zap.Logger) {
	taken := make(map[string]bool, len(m.Exports))
	for _, exp := range m.Exports {
		taken[exp.Name] = true
	}
	wrapperOf := make(map[uint32]*Wrapper, len(res.Wrappers))
	for i := range res.Wrappers {
		wrapperOf[res.Wrappers[i].Target.ID] = &res.Wrappers[i]
	}

	for i := range m.Exports {
		exp := &m.Exports[i]
		if exp.Kind != wasm.KindFunc {
			continue
		}
		shim, ok := shimOf[exp.Idx]
		if !ok {
			exp.Idx = shift(exp.Idx)
			continue
		}
		w := wrapperOf[exp.Idx]
		w.Exports = append(w.Exports, exp.Name)
		exp.Idx = shim
	}

	for i := range res.Wrappers {
		w := &res.Wrappers[i]
		if len(w.Exports) > 0 {
			continue
		}
		name := w.Target.DebugName
		if taken[name] {
			log.Warn("export name already in use, shim left internal",
				zap.String("name", name), zap.Uint32("id", w.Target.ID))
			continue
		}
		taken[name] = true
		m.Exports = append(m.Exports, wasm.Export{Name: name, Kind: wasm.KindFunc, Idx: w.Index})
		w.Exports = append(w.Exports, name)
	}
}
