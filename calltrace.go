package calltrace

import (
	"context"

	"go.uber.org/multierr"

	"github.com/wippyai/wasm-calltrace/host"
	"github.com/wippyai/wasm-calltrace/instrument"
	"github.com/wippyai/wasm-calltrace/sink"
	"github.com/wippyai/wasm-calltrace/tracer"
)

// Options bundles the settings of each layer. Host.Namespace is taken from
// Instrument.Namespace.
type Options struct {
	Instrument instrument.Options
	Tracer     tracer.Options
	Host       host.Options
}

// DefaultOptions returns the defaults of every layer.
func DefaultOptions() Options {
	return Options{
		Instrument: instrument.DefaultOptions(),
		Tracer:     tracer.DefaultOptions(),
		Host:       host.DefaultOptions(),
	}
}

// Runner holds one instrumented module loaded into its own host.
type Runner struct {
	result *instrument.Result
	tracer *tracer.Tracer
	host   *host.Host
	module *host.Module
}

// NewRunner instruments src and loads it. Records go to s, which is closed
// with the Runner when it holds resources.
func NewRunner(ctx context.Context, src []byte, s sink.Sink, opts Options) (*Runner, error) {
	m, err := instrument.Decode(src)
	if err != nil {
		return nil, err
	}
	res, err := instrument.Module(m, opts.Instrument)
	if err != nil {
		return nil, err
	}
	tr := tracer.New(tracer.NameIndexFromFunctions(res.Source), s, opts.Tracer)

	hopts := opts.Host
	hopts.Namespace = opts.Instrument.Namespace
	h, err := host.New(ctx, tr, hopts)
	if err != nil {
		return nil, multierr.Append(err, tr.Close())
	}
	mod, err := h.Load(ctx, res.Module.Encode())
	if err != nil {
		err = multierr.Append(err, h.Close(ctx))
		return nil, multierr.Append(err, tr.Close())
	}
	return &Runner{result: res, tracer: tr, host: h, module: mod}, nil
}

// Result describes the instrumentation that was applied.
func (r *Runner) Result() *instrument.Result { return r.result }

// Tracer returns the tracer shared by every instance.
func (r *Runner) Tracer() *tracer.Tracer { return r.tracer }

// Exports returns the exported function names of the instrumented module.
func (r *Runner) Exports() []string { return r.module.Exports() }

// Instantiate creates an instance the caller closes.
func (r *Runner) Instantiate(ctx context.Context) (*host.Instance, error) {
	return r.module.Instantiate(ctx)
}

// Call runs name on a fresh instance and closes it. Calls that leave
// frames on the stack report a *tracer.UnmatchedError.
func (r *Runner) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	inst, err := r.module.Instantiate(ctx)
	if err != nil {
		return nil, err
	}
	res, err := inst.Call(ctx, name, params...)
	return res, multierr.Append(err, inst.Close(ctx))
}

// Close releases the module, the runtime and the sink.
func (r *Runner) Close(ctx context.Context) error {
	err := r.module.Close(ctx)
	err = multierr.Append(err, r.host.Close(ctx))
	return multierr.Append(err, r.tracer.Close())
}
