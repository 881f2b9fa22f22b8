package host

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-calltrace/errors"
	"github.com/wippyai/wasm-calltrace/instrument"
	"github.com/wippyai/wasm-calltrace/tracer"
)

// Instance is one running module with its own call stack. It must not be
// called from several goroutines at once.
type Instance struct {
	module *Module
	mod    api.Module
	exec   *tracer.Execution
	log    *zap.Logger
	closed bool
}

// Name returns the unique module name of the instance.
func (i *Instance) Name() string { return i.mod.Name() }

// Execution returns the instance's hook state.
func (i *Instance) Execution() *tracer.Execution { return i.exec }

// Module returns the wazero module, for memory access and the like.
func (i *Instance) Module() api.Module { return i.mod }

// Call invokes an exported function. Calls on a terminated execution are
// refused. A protocol violation during the call is returned wrapped, so
// errors.Is matches the tracer sentinels.
func (i *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	if err := i.exec.Err(); err != nil {
		return nil, errors.New(errors.PhaseRuntime, errors.KindTerminated).
			Path(i.Name(), name).
			Detail("execution terminated by an earlier error").
			Cause(err).
			Build()
	}
	fn := i.mod.ExportedFunction(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "exported function", name)
	}

	res, err := fn.Call(ctx, params...)
	if err != nil {
		fields := []zap.Field{zap.String("func", name), zap.Error(err)}
		if n := i.exec.Depth(); n > 0 {
			fields = append(fields, zap.Int("unmatched", n))
		}
		i.log.Warn("call failed", fields...)
		return nil, fmt.Errorf("call %s: %w", name, err)
	}
	return res, nil
}

// Version reads the schema version globals of the running instance.
func (i *Instance) Version() (instrument.SchemaVersion, bool) {
	major := i.mod.ExportedGlobal(instrument.VersionMajorExport)
	minor := i.mod.ExportedGlobal(instrument.VersionMinorExport)
	if major == nil || minor == nil {
		return instrument.SchemaVersion{}, false
	}
	if major.Type() != api.ValueTypeI32 || minor.Type() != api.ValueTypeI32 {
		return instrument.SchemaVersion{}, false
	}
	return instrument.SchemaVersion{
		Major: api.DecodeI32(major.Get()),
		Minor: api.DecodeI32(minor.Get()),
	}, true
}

// Close closes the module and the execution. The error combines the module
// close error with the execution's teardown error, which reports calls that
// never returned. Close is idempotent.
func (i *Instance) Close(ctx context.Context) error {
	if i.closed {
		return i.exec.Close()
	}
	i.closed = true
	err := i.mod.Close(ctx)
	i.module.host.executions.Delete(i.Name())
	return multierr.Append(err, i.exec.Close())
}
