package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/wasm-calltrace/config"
	"github.com/wippyai/wasm-calltrace/errors"
	"github.com/wippyai/wasm-calltrace/host"
	"github.com/wippyai/wasm-calltrace/instrument"
	"github.com/wippyai/wasm-calltrace/sink"
	"github.com/wippyai/wasm-calltrace/tracer"
	"github.com/wippyai/wasm-calltrace/wasm"
)

type runOptions struct {
	funcName    string
	args        []string
	sourcePath  string
	parallel    int
	metrics     bool
	interactive bool
}

func newRunCmd(c *cli) *cobra.Command {
	var ro runOptions
	cmd := &cobra.Command{
		Use:   "run <module.wasm>",
		Short: "Run a module and record its calls",
		Long: `Run instantiates the module on wazero and calls one exported function,
writing a trace record for every traced call.

A module without the hook imports is instrumented in memory first. An
already-instrumented module needs --source, the module it was built from,
to resolve function names.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !ro.interactive && ro.funcName == "" {
				return errors.InvalidInput(errors.PhaseConfig, "--func is required")
			}
			if ro.parallel < 1 {
				return errors.InvalidInput(errors.PhaseConfig, "--parallel must be at least 1")
			}
			return c.run(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], ro)
		},
	}
	f := cmd.Flags()
	f.StringVar(&ro.funcName, "func", "", "exported function to call")
	f.StringSliceVar(&ro.args, "args", nil, "comma separated arguments")
	f.StringVar(&ro.sourcePath, "source", "", "uninstrumented module for name resolution")
	f.IntVar(&ro.parallel, "parallel", 1, "number of instances to run concurrently")
	f.BoolVar(&ro.metrics, "metrics", false, "print hook metrics after the run")
	f.BoolVarP(&ro.interactive, "interactive", "i", false, "pick functions and arguments interactively")

	f.String("trace", "-", "trace destination, - for stdout")
	f.String("trace-format", "jsonl", "trace format (jsonl, sqlite)")
	f.String("emit", tracer.EmitEnterAndExit.String(), "records per call (enter-exit, exit-only)")
	f.String("on-sink-error", tracer.SinkErrorFail.String(), "sink failure policy (fail, drop)")
	f.Bool("strict", true, "treat an exit that does not close the innermost call as a violation")
	f.Bool("fsync", false, "sync the trace file after every record")
	f.Bool("wasi", false, "provide wasi_snapshot_preview1")
	addInstrumentFlags(cmd)
	return cmd
}

// prepared holds the binaries a run needs.
type prepared struct {
	binary []byte
	names  *tracer.NameIndex
	funcs  map[string]wasm.FunctionDescriptor
}

// prepare instruments path in memory unless it already imports the hooks.
func (c *cli) prepare(path, sourcePath string) (*prepared, error) {
	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := instrument.Decode(bin)
	if err != nil {
		return nil, err
	}

	src := bin
	if det := instrument.Detect(m); det.Instrumented {
		if sourcePath == "" {
			return nil, errors.InvalidInput(errors.PhaseConfig,
				fmt.Sprintf("%s is already instrumented; pass --source", path))
		}
		if src, err = os.ReadFile(sourcePath); err != nil {
			return nil, err
		}
	} else {
		opts, err := c.cfg.InstrumentOptions(c.logger.Named("instrument"))
		if err != nil {
			return nil, err
		}
		res, err := instrument.Module(m, opts)
		if err != nil {
			return nil, err
		}
		m = res.Module
		bin = m.Encode()
		c.logger.Debug("instrumented in memory", zap.String("module", path), zap.Int("wrapped", len(res.Wrappers)))
	}

	names, err := tracer.NameIndexFromBinary(src)
	if err != nil {
		return nil, err
	}
	funcs, err := exportedFunctions(m)
	if err != nil {
		return nil, errors.ParseFailed("module", err)
	}
	return &prepared{binary: bin, names: names, funcs: funcs}, nil
}

// session is a host with its tracer and sink.
type session struct {
	host    *host.Host
	module  *host.Module
	tracer  *tracer.Tracer
	sink    sink.Sink
	metrics *prometheus.Registry
}

func (c *cli) openSession(ctx context.Context, p *prepared, traceOut, guestOut io.Writer, extra ...sink.Sink) (*session, error) {
	reg := prometheus.NewRegistry()
	metrics, err := tracer.NewMetrics(reg)
	if err != nil {
		return nil, err
	}

	var s sink.Sink = sink.Discard
	if traceOut != nil {
		if s, err = c.cfg.OpenSink(ctx, traceOut); err != nil {
			return nil, err
		}
	}
	if len(extra) > 0 {
		s = sink.Tee(append([]sink.Sink{s}, extra...)...)
	}

	topts, err := c.cfg.TracerOptions(c.logger.Named("tracer"), metrics)
	if err != nil {
		_ = sink.Close(s)
		return nil, err
	}
	tr := tracer.New(p.names, s, topts)

	h, err := host.New(ctx, tr, c.cfg.HostOptions(c.logger.Named("host"), guestOut, guestOut))
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	mod, err := h.Load(ctx, p.binary)
	if err != nil {
		err = multierr.Append(err, h.Close(ctx))
		return nil, multierr.Append(err, tr.Close())
	}
	return &session{host: h, module: mod, tracer: tr, sink: s, metrics: reg}, nil
}

func (s *session) Close(ctx context.Context) error {
	err := s.module.Close(ctx)
	err = multierr.Append(err, s.host.Close(ctx))
	return multierr.Append(err, s.tracer.Close())
}

func (c *cli) run(ctx context.Context, stdout, stderr io.Writer, path string, ro runOptions) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	p, err := c.prepare(path, ro.sourcePath)
	if err != nil {
		return err
	}
	if ro.interactive {
		return c.runInteractive(ctx, path, p)
	}

	fn, ok := p.funcs[ro.funcName]
	if !ok {
		return errors.NotFound(errors.PhaseRuntime, "exported function", ro.funcName)
	}
	params, err := parseArgs(ro.args, fn.Params)
	if err != nil {
		return err
	}

	// results and guest output stay off stdout while the trace uses it
	resultOut := stdout
	if c.cfg.Trace.Format != config.FormatSQLite && (c.cfg.Trace.Path == "" || c.cfg.Trace.Path == "-") {
		resultOut = stderr
	}
	sess, err := c.openSession(ctx, p, stdout, stderr)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, sess.Close(ctx))
	}()

	results := make([]string, ro.parallel)
	done := make([]bool, ro.parallel)
	g, gctx := errgroup.WithContext(ctx)
	for n := 0; n < ro.parallel; n++ {
		g.Go(func() error {
			inst, err := sess.module.Instantiate(gctx)
			if err != nil {
				return err
			}
			out, callErr := inst.Call(gctx, ro.funcName, params...)
			closeErr := inst.Close(gctx)
			if callErr != nil {
				return multierr.Append(callErr, closeErr)
			}
			results[n], done[n] = formatResults(out, fn.Results), true
			return closeErr
		})
	}
	runErr := g.Wait()

	for n, r := range results {
		switch {
		case !done[n]:
		case ro.parallel > 1:
			fmt.Fprintf(resultOut, "[%d] %s\n", n, r)
		case len(fn.Results) > 0:
			fmt.Fprintln(resultOut, r)
		}
	}
	if ro.metrics {
		if err := writeMetrics(resultOut, sess.metrics); err != nil {
			runErr = multierr.Append(runErr, err)
		}
	}
	return runErr
}

// writeMetrics prints every gathered family in the text exposition format.
func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
