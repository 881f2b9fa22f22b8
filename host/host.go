package host

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-calltrace/errors"
	"github.com/wippyai/wasm-calltrace/instrument"
	"github.com/wippyai/wasm-calltrace/tracer"
	"github.com/wippyai/wasm-calltrace/wasm"
)

// LegacyNamespace replaces the empty hook namespace, which wazero cannot
// resolve.
const LegacyNamespace = "$"

const wasiModule = "wasi_snapshot_preview1"

// Options configures a Host.
type Options struct {
	Logger *zap.Logger

	// Stdout and Stderr receive guest output under WASI. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer

	// Namespace is the hook namespace bound at creation. Modules importing
	// the hooks from another namespace get it bound on Load.
	Namespace string

	// StartFunctions run at instantiation after the start section. None by
	// default; pass "_start" to run WASI commands.
	StartFunctions []string

	// MemoryLimitPages caps instance memory in 64KiB pages. 0 keeps the
	// wazero default.
	MemoryLimitPages uint32

	// WASI instantiates wasi_snapshot_preview1.
	WASI bool
}

// DefaultOptions returns a host for the default namespace without WASI.
func DefaultOptions() Options {
	return Options{Namespace: instrument.DefaultNamespace}
}

// Host runs instrumented modules against one tracer.
type Host struct {
	runtime wazero.Runtime
	tracer  *tracer.Tracer
	log     *zap.Logger
	opts    Options

	// executions maps instance module names to their hook state
	executions sync.Map

	bindMu sync.Mutex
	bound  map[string]bool
}

// New creates a wazero runtime and binds the hook namespace.
func New(ctx context.Context, tr *tracer.Tracer, opts Options) (*Host, error) {
	cfg := wazero.NewRuntimeConfig()
	if opts.MemoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(opts.MemoryLimitPages)
	}
	h := &Host{
		runtime: wazero.NewRuntimeWithConfig(ctx, cfg),
		tracer:  tr,
		log:     opts.Logger,
		opts:    opts,
		bound:   make(map[string]bool),
	}
	if h.log == nil {
		h.log = Logger()
	}

	if opts.WASI {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, h.runtime); err != nil {
			_ = h.runtime.Close(ctx)
			return nil, errors.Wrap(errors.PhaseRuntime, errors.KindInstantiation, err, "instantiate WASI")
		}
	}
	if err := h.bindHooks(ctx, hostNamespace(opts.Namespace)); err != nil {
		_ = h.runtime.Close(ctx)
		return nil, err
	}
	return h, nil
}

func hostNamespace(ns string) string {
	if ns == "" {
		return LegacyNamespace
	}
	return ns
}

// Tracer returns the tracer the hooks report to.
func (h *Host) Tracer() *tracer.Tracer { return h.tracer }

// Runtime exposes the wazero runtime, for instance to add host modules the
// guest imports besides the hooks.
func (h *Host) Runtime() wazero.Runtime { return h.runtime }

// bindHooks instantiates the hook host module for ns once.
func (h *Host) bindHooks(ctx context.Context, ns string) error {
	h.bindMu.Lock()
	defer h.bindMu.Unlock()
	if h.bound[ns] {
		return nil
	}
	_, err := h.runtime.NewHostModuleBuilder(ns).
		NewFunctionBuilder().
		WithGoModuleFunction(h.hook(true), []api.ValueType{api.ValueTypeI32}, nil).
		WithParameterNames("function_id").
		Export(instrument.EnterHook).
		NewFunctionBuilder().
		WithGoModuleFunction(h.hook(false), []api.ValueType{api.ValueTypeI32}, nil).
		WithParameterNames("function_id").
		Export(instrument.ExitHook).
		Instantiate(ctx)
	if err != nil {
		return errors.New(errors.PhaseRuntime, errors.KindInstantiation).
			Path(ns).
			Detail("bind hook namespace").
			Cause(err).
			Build()
	}
	h.bound[ns] = true
	h.log.Debug("bound hook namespace", zap.String("namespace", ns))
	return nil
}

// hook returns the host function for one of the two hooks. Errors abort the
// guest call through a panic, which wazero converts into the error returned
// by Call.
func (h *Host) hook(enter bool) api.GoModuleFunc {
	return func(_ context.Context, mod api.Module, stack []uint64) {
		fid := api.DecodeU32(stack[0])
		v, ok := h.executions.Load(mod.Name())
		if !ok {
			panic(errors.NotFound(errors.PhaseHook, "execution for module", mod.Name()))
		}
		exec := v.(*tracer.Execution)
		var err error
		if enter {
			err = exec.Enter(fid)
		} else {
			err = exec.Exit(fid)
		}
		if err != nil {
			panic(err)
		}
	}
}

// Load compiles an instrumented module. It fails with KindNotFound when the
// module does not import both hooks from one namespace, and with a
// MissingImportsError when other imports cannot be resolved.
func (h *Host) Load(ctx context.Context, bin []byte) (*Module, error) {
	m, err := wasm.ParseModule(bin)
	if err != nil {
		return nil, errors.Load("decode module", err)
	}

	ns, ok := h.opts.Namespace, hasHooks(m, h.opts.Namespace)
	if !ok {
		det := instrument.Detect(m)
		if !det.Instrumented {
			return nil, errors.New(errors.PhaseLoad, errors.KindNotFound).
				Path(h.opts.Namespace).
				Detail("module does not import %s and %s", instrument.EnterHook, instrument.ExitHook).
				Build()
		}
		ns = det.Namespace
		h.log.Info("module uses a different hook namespace", zap.String("namespace", ns))
	}

	if ns == "" {
		for i := range m.Imports {
			imp := &m.Imports[i]
			if imp.Module == "" && (imp.Name == instrument.EnterHook || imp.Name == instrument.ExitHook) {
				imp.Module = LegacyNamespace
			}
		}
		bin = m.Encode()
		ns = LegacyNamespace
		h.log.Debug("rewrote legacy empty hook namespace", zap.String("namespace", ns))
	}
	if err := h.bindHooks(ctx, ns); err != nil {
		return nil, err
	}
	if err := h.checkImports(m); err != nil {
		return nil, err
	}

	compiled, err := h.runtime.CompileModule(ctx, bin)
	if err != nil {
		return nil, errors.Load("compile module", err)
	}

	det := instrument.Detect(m)
	h.log.Debug("loaded module",
		zap.String("namespace", ns),
		zap.Int("imports", len(m.Imports)),
		zap.Int("exports", len(m.Exports)))
	return &Module{host: h, compiled: compiled, namespace: ns, version: det.Version}, nil
}

func hasHooks(m *wasm.Module, ns string) bool {
	var enter, exit bool
	for _, imp := range m.Imports {
		if imp.Desc.Kind != wasm.KindFunc || imp.Module != ns {
			continue
		}
		switch imp.Name {
		case instrument.EnterHook:
			enter = true
		case instrument.ExitHook:
			exit = true
		}
	}
	return enter && exit
}

// checkImports reports function imports no instantiated module provides.
func (h *Host) checkImports(m *wasm.Module) error {
	var missing []string
	for _, imp := range m.Imports {
		if imp.Desc.Kind != wasm.KindFunc {
			continue
		}
		mod := h.runtime.Module(imp.Module)
		if mod != nil && mod.ExportedFunctionDefinitions()[imp.Name] != nil {
			continue
		}
		missing = append(missing, imp.Module+"#"+imp.Name)
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return errors.NewMissingImportsError(missing)
}

// Close closes the runtime and every instance in it. Executions still
// registered are closed too, so their unmatched calls are reported.
func (h *Host) Close(ctx context.Context) error {
	var err error
	h.executions.Range(func(key, value any) bool {
		h.executions.Delete(key)
		err = multierr.Append(err, value.(*tracer.Execution).Close())
		return true
	})
	return multierr.Append(err, h.runtime.Close(ctx))
}

// Module is a compiled instrumented module.
type Module struct {
	host      *Host
	compiled  wazero.CompiledModule
	version   *instrument.SchemaVersion
	namespace string
}

// Namespace returns the hook namespace the module is bound to.
func (m *Module) Namespace() string { return m.namespace }

// Version returns the schema version declared by the module's globals.
func (m *Module) Version() (instrument.SchemaVersion, bool) {
	if m.version == nil {
		return instrument.SchemaVersion{}, false
	}
	return *m.version, true
}

// Exports returns the exported function names.
func (m *Module) Exports() []string {
	defs := m.compiled.ExportedFunctions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Instantiate creates an instance with its own Execution. The execution is
// registered before the start section runs, so start functions are traced.
func (m *Module) Instantiate(ctx context.Context) (*Instance, error) {
	h := m.host
	exec := h.tracer.NewExecution("")
	name := exec.ID()
	h.executions.Store(name, exec)

	cfg := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions(h.opts.StartFunctions...)
	if h.opts.Stdout != nil {
		cfg = cfg.WithStdout(h.opts.Stdout)
	}
	if h.opts.Stderr != nil {
		cfg = cfg.WithStderr(h.opts.Stderr)
	}

	mod, err := h.runtime.InstantiateModule(ctx, m.compiled, cfg)
	if err != nil {
		h.executions.Delete(name)
		closeErr := exec.Close()
		h.log.Warn("instantiation failed", zap.String("instance", name), zap.Error(err), zap.NamedError("teardown", closeErr))
		return nil, errors.Instantiation(err)
	}
	h.log.Debug("instantiated module", zap.String("instance", name))
	return &Instance{module: m, mod: mod, exec: exec, log: h.log.With(zap.String("instance", name))}, nil
}

// Close releases the compiled module.
func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

func (m *Module) String() string {
	return fmt.Sprintf("module(namespace=%q)", m.namespace)
}
