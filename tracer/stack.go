package tracer

import (
	"time"
)

// CallEvent is one in-flight or finished call.
type CallEvent struct {
	Start      time.Time
	End        time.Time
	Name       string
	FunctionID uint32
	// Depth is the stack depth at entry; top-level calls have depth 0.
	Depth int
}

// Duration returns End - Start, or zero while the call is in flight.
func (e CallEvent) Duration() time.Duration {
	if e.End.IsZero() {
		return 0
	}
	return e.End.Sub(e.Start)
}

// CallStack is a LIFO of in-flight calls. It is not safe for concurrent use.
type CallStack struct {
	events []CallEvent
}

func (s *CallStack) Push(e CallEvent) {
	s.events = append(s.events, e)
}

// Pop removes the innermost call. It fails with ErrEmptyStack when no call
// is in flight.
func (s *CallStack) Pop() (CallEvent, error) {
	n := len(s.events)
	if n == 0 {
		return CallEvent{}, ErrEmptyStack
	}
	e := s.events[n-1]
	s.events = s.events[:n-1]
	return e, nil
}

// Peek returns the innermost call without removing it.
func (s *CallStack) Peek() (CallEvent, bool) {
	if len(s.events) == 0 {
		return CallEvent{}, false
	}
	return s.events[len(s.events)-1], true
}

func (s *CallStack) Len() int { return len(s.events) }

// Events returns the in-flight calls, outermost first.
func (s *CallStack) Events() []CallEvent {
	return append([]CallEvent(nil), s.events...)
}
