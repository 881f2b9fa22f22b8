package tracer

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-calltrace/errors"
	"github.com/wippyai/wasm-calltrace/sink"
)

const (
	hookEnter = "enter"
	hookExit  = "exit"
)

// Execution is the hook state of one execution context. It is not safe for
// concurrent use; distinct executions may run in parallel.
type Execution struct {
	tracer   *Tracer
	log      *zap.Logger
	id       string
	stack    CallStack
	err      error
	closeErr error
	closed   bool
}

func (e *Execution) ID() string { return e.id }

// Enter handles instrument_enter(fid).
func (e *Execution) Enter(fid uint32) error {
	if e.err != nil {
		return e.err
	}
	t := e.tracer
	t.metrics.HookCalls.WithLabelValues(hookEnter).Inc()

	name, ok := t.names.Lookup(fid)
	if !ok {
		return e.violate(hookEnter, "unknown_function", fid, ErrUnknownFunction)
	}
	ev := CallEvent{FunctionID: fid, Name: name, Start: t.clock(), Depth: e.stack.Len()}
	e.stack.Push(ev)
	if e.log.Core().Enabled(zap.DebugLevel) {
		e.log.Debug("enter", zap.Uint32("id", fid), zap.String("name", name), zap.Int("depth", ev.Depth))
	}

	if t.opts.Emit == EmitExitOnly {
		return nil
	}
	return e.append(hookEnter, sink.Record{
		Index:     fid,
		Name:      name,
		Start:     ev.Start,
		End:       ev.Start,
		Execution: e.id,
		Depth:     ev.Depth,
		Phase:     sink.PhaseEnter,
	})
}

// Exit handles instrument_exit(fid).
func (e *Execution) Exit(fid uint32) error {
	if e.err != nil {
		return e.err
	}
	t := e.tracer
	t.metrics.HookCalls.WithLabelValues(hookExit).Inc()

	top, ok := e.stack.Peek()
	if !ok {
		return e.violate(hookExit, "empty_stack", fid, ErrEmptyStack)
	}
	if top.FunctionID != fid && !t.opts.LenientExit {
		return e.violate(hookExit, "mismatched_exit", fid,
			fmt.Errorf("%w: got %d, innermost is %d (%s)", ErrMismatchedExit, fid, top.FunctionID, top.Name))
	}
	ev, _ := e.stack.Pop()
	ev.End = t.clock()
	t.metrics.CallDuration.WithLabelValues(ev.Name).Observe(ev.Duration().Seconds())
	if e.log.Core().Enabled(zap.DebugLevel) {
		e.log.Debug("exit", zap.Uint32("id", ev.FunctionID), zap.String("name", ev.Name),
			zap.Int("depth", ev.Depth), zap.Duration("duration", ev.Duration()))
	}

	return e.append(hookExit, sink.Record{
		Index:     ev.FunctionID,
		Name:      ev.Name,
		Start:     ev.Start,
		End:       ev.End,
		Execution: e.id,
		Depth:     ev.Depth,
		Phase:     sink.PhaseExit,
	})
}

func (e *Execution) violate(hook, reason string, fid uint32, cause error) error {
	e.tracer.metrics.Violations.WithLabelValues(reason).Inc()
	e.err = errors.ProtocolViolation(e.id, hook, cause, fid)
	e.log.Error("hook protocol violation",
		zap.String("hook", hook),
		zap.Uint32("id", fid),
		zap.Int("depth", e.stack.Len()),
		zap.Error(cause))
	return e.err
}

func (e *Execution) append(hook string, rec sink.Record) error {
	err := e.tracer.sink.Append(rec)
	if err == nil {
		return nil
	}
	policy := e.tracer.opts.OnSinkError
	e.tracer.metrics.SinkErrors.WithLabelValues(policy.String()).Inc()
	if policy == SinkErrorDrop {
		e.log.Warn("dropped trace record", zap.String("hook", hook), zap.Uint32("id", rec.Index), zap.Error(err))
		return nil
	}
	e.err = &errors.Error{
		Phase:  errors.PhaseSink,
		Kind:   errors.KindSinkIO,
		Path:   []string{e.id, hook},
		Detail: fmt.Sprintf("record for function %d", rec.Index),
		Value:  rec,
		Cause:  fmt.Errorf("%w: %w", ErrSinkWrite, err),
	}
	e.log.Error("trace sink failed", zap.String("hook", hook), zap.Error(err))
	return e.err
}

// Depth returns the number of calls in flight.
func (e *Execution) Depth() int { return e.stack.Len() }

// Pending returns the calls in flight, outermost first.
func (e *Execution) Pending() []CallEvent { return e.stack.Events() }

// Err returns the error that terminated the execution, if any.
func (e *Execution) Err() error { return e.err }

// Terminated reports whether a violation or sink failure stopped tracing.
func (e *Execution) Terminated() bool { return e.err != nil }

// Close ends the execution. It reports the termination error and an
// *UnmatchedError when calls are still in flight, for instance after a
// trap. Close is idempotent.
func (e *Execution) Close() error {
	if e.closed {
		return e.closeErr
	}
	e.closed = true
	e.tracer.metrics.ActiveExecutions.Dec()

	err := e.err
	if n := e.stack.Len(); n > 0 {
		e.tracer.metrics.Unmatched.Add(float64(n))
		pending := e.stack.Events()
		e.log.Warn("execution closed with calls in flight", zap.Int("pending", n), zap.String("innermost", pending[n-1].Name))
		err = multierr.Append(err, &UnmatchedError{Execution: e.id, Events: pending})
	}
	e.closeErr = err
	return err
}

// UnmatchedError lists calls that entered and never exited.
type UnmatchedError struct {
	Execution string
	Events    []CallEvent
}

func (e *UnmatchedError) Error() string {
	names := make([]string, len(e.Events))
	for i, ev := range e.Events {
		names[i] = ev.Name
	}
	return fmt.Sprintf("[%s] %s at %s: %d call(s) never returned: %s",
		errors.PhaseHook, errors.KindUnmatchedEnter, e.Execution, len(e.Events), strings.Join(names, " > "))
}

// Is matches *UnmatchedError and the hook/unmatched_enter error class.
func (e *UnmatchedError) Is(target error) bool {
	switch t := target.(type) {
	case *UnmatchedError:
		return true
	case *errors.Error:
		return t.Phase == errors.PhaseHook && t.Kind == errors.KindUnmatchedEnter
	}
	return false
}
