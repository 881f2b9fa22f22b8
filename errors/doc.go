// Package errors provides the structured error type shared by the
// instrumentation pipeline.
//
// Errors are categorized by Phase (where the error occurred) and Kind
// (what went wrong):
//
//	err := errors.New(errors.PhaseHook, errors.KindProtocolViolation).
//		Path("exec-1", "instrument_exit").
//		Detail("call stack is empty").
//		Build()
//
// errors.Is matches any *Error with the same phase and kind, so callers can
// test for a class of failure without depending on detail text:
//
//	if errors.Is(err, &errors.Error{Phase: errors.PhaseHook, Kind: errors.KindProtocolViolation}) {
//		...
//	}
package errors
