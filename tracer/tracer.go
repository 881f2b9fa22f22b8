package tracer

import (
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-calltrace/errors"
	"github.com/wippyai/wasm-calltrace/sink"
)

// Protocol violation causes. Hook errors wrap one of these.
var (
	ErrUnknownFunction = stderrors.New("function id not in name index")
	ErrEmptyStack      = stderrors.New("exit with no call in flight")
	ErrMismatchedExit  = stderrors.New("exit does not match innermost call")
	ErrSinkWrite       = stderrors.New("trace sink append failed")
)

// EmitPolicy selects which records reach the sink.
type EmitPolicy int

const (
	// EmitEnterAndExit appends a record at entry, with end equal to start,
	// and the finished record at exit.
	EmitEnterAndExit EmitPolicy = iota
	// EmitExitOnly appends only finished records.
	EmitExitOnly
)

func (p EmitPolicy) String() string {
	if p == EmitExitOnly {
		return "exit-only"
	}
	return "enter-exit"
}

// ParseEmitPolicy accepts "enter-exit" and "exit-only".
func ParseEmitPolicy(s string) (EmitPolicy, error) {
	switch s {
	case "", "enter-exit":
		return EmitEnterAndExit, nil
	case "exit-only":
		return EmitExitOnly, nil
	}
	return 0, errors.InvalidInput(errors.PhaseConfig, "unknown emit policy "+s)
}

// SinkErrorPolicy decides what a failed append does to the execution.
type SinkErrorPolicy int

const (
	// SinkErrorFail terminates the execution.
	SinkErrorFail SinkErrorPolicy = iota
	// SinkErrorDrop logs and counts the failure and carries on.
	SinkErrorDrop
)

func (p SinkErrorPolicy) String() string {
	if p == SinkErrorDrop {
		return "drop"
	}
	return "fail"
}

// ParseSinkErrorPolicy accepts "fail" and "drop".
func ParseSinkErrorPolicy(s string) (SinkErrorPolicy, error) {
	switch s {
	case "", "fail":
		return SinkErrorFail, nil
	case "drop":
		return SinkErrorDrop, nil
	}
	return 0, errors.InvalidInput(errors.PhaseConfig, "unknown sink error policy "+s)
}

// Options configures a Tracer.
type Options struct {
	Logger  *zap.Logger
	Metrics *Metrics
	// Clock defaults to time.Now.
	Clock func() time.Time

	Emit        EmitPolicy
	OnSinkError SinkErrorPolicy

	// LenientExit accepts an exit whose id differs from the innermost call.
	LenientExit bool
}

// DefaultOptions returns strict, enter-and-exit tracing that fails on sink
// errors.
func DefaultOptions() Options {
	return Options{
		Clock:       time.Now,
		Emit:        EmitEnterAndExit,
		OnSinkError: SinkErrorFail,
	}
}

// Tracer is the shared state of one traced module. It is safe for
// concurrent use by many executions.
type Tracer struct {
	names   *NameIndex
	sink    sink.Sink
	log     *zap.Logger
	metrics *Metrics
	clock   func() time.Time
	opts    Options
}

// New creates a tracer. Appends to s are serialized.
func New(names *NameIndex, s sink.Sink, opts Options) *Tracer {
	t := &Tracer{
		names:   names,
		sink:    sink.Synchronized(s),
		log:     opts.Logger,
		metrics: opts.Metrics,
		clock:   opts.Clock,
		opts:    opts,
	}
	if t.names == nil {
		t.names = NameIndexFromFunctions(nil)
	}
	if t.log == nil {
		t.log = Logger()
	}
	if t.metrics == nil {
		t.metrics, _ = NewMetrics(nil)
	}
	if t.clock == nil {
		t.clock = time.Now
	}
	return t
}

func (t *Tracer) Names() *NameIndex { return t.names }

func (t *Tracer) Metrics() *Metrics { return t.metrics }

// NewExecution creates the per-context state for one instance. An empty
// id is replaced by a random uuid.
func (t *Tracer) NewExecution(id string) *Execution {
	if id == "" {
		id = uuid.NewString()
	}
	t.metrics.ActiveExecutions.Inc()
	return &Execution{
		tracer: t,
		id:     id,
		log:    t.log.With(zap.String("execution", id)),
	}
}

// Close closes the sink when it holds resources.
func (t *Tracer) Close() error {
	return sink.Close(t.sink)
}
