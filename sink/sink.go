package sink

import (
	"io"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/wippyai/wasm-calltrace/errors"
)

// Phase tells which hook produced a record.
type Phase uint8

const (
	// PhaseExit records carry the finished call.
	PhaseExit Phase = iota
	// PhaseEnter records are written when a call starts; End equals Start.
	PhaseEnter
)

func (p Phase) String() string {
	if p == PhaseEnter {
		return "enter"
	}
	return "exit"
}

// Record is one trace log entry.
type Record struct {
	Index uint32    `json:"index"`
	Name  string    `json:"name"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	// In-process metadata, never serialized.
	Execution string `json:"-"`
	Depth     int    `json:"-"`
	Phase     Phase  `json:"-"`
}

// Duration returns End - Start.
func (r Record) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Sink accepts trace records.
type Sink interface {
	Append(Record) error
}

// Func adapts a function to Sink.
type Func func(Record) error

func (f Func) Append(r Record) error { return f(r) }

// Discard drops every record.
var Discard Sink = Func(func(Record) error { return nil })

type synchronized struct {
	mu   sync.Mutex
	sink Sink
}

// Synchronized serializes Append calls on s. Wrapping twice is a no-op.
func Synchronized(s Sink) Sink {
	if _, ok := s.(*synchronized); ok {
		return s
	}
	return &synchronized{sink: s}
}

func (s *synchronized) Append(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink.Append(r)
}

func (s *synchronized) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Close(s.sink)
}

// Close closes s when it implements io.Closer.
func Close(s Sink) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type tee []Sink

// Tee appends every record to each of sinks in order. All sinks see the
// record even when an earlier one fails; the errors are combined.
func Tee(sinks ...Sink) Sink {
	if len(sinks) == 1 {
		return sinks[0]
	}
	return tee(sinks)
}

func (t tee) Append(r Record) error {
	var err error
	for _, s := range t {
		err = multierr.Append(err, s.Append(r))
	}
	return err
}

func (t tee) Close() error {
	var err error
	for _, s := range t {
		err = multierr.Append(err, Close(s))
	}
	return err
}

func ioError(err error, detail string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(errors.PhaseSink, errors.KindSinkIO, err, detail)
}
