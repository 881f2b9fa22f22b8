package sink

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
const (
	AttrFunctionIndex = attribute.Key("wasm.function.index")
	AttrFunctionName  = attribute.Key("wasm.function.name")
	AttrCallDepth     = attribute.Key("wasm.call.depth")
	AttrExecution     = attribute.Key("wasm.execution")
)

// Spans turns calls into OpenTelemetry spans. Enter records open a span
// parented to the execution's innermost open span; the matching exit
// record ends it. Exit records without an open span, as produced under
// exit-only emission, become standalone spans.
type Spans struct {
	tracer trace.Tracer
	ctx    context.Context
	open   map[string][]trace.Span
}

// NewSpans creates a span sink. Root spans are children of the span in
// parent, if any.
func NewSpans(parent context.Context, tracer trace.Tracer) *Spans {
	if parent == nil {
		parent = context.Background()
	}
	return &Spans{tracer: tracer, ctx: parent, open: make(map[string][]trace.Span)}
}

func (s *Spans) Append(r Record) error {
	stack := s.open[r.Execution]
	if r.Phase == PhaseEnter {
		ctx := s.ctx
		if n := len(stack); n > 0 {
			ctx = trace.ContextWithSpan(ctx, stack[n-1])
		}
		_, span := s.tracer.Start(ctx, r.Name,
			trace.WithTimestamp(r.Start),
			trace.WithAttributes(recordAttributes(r)...))
		s.open[r.Execution] = append(stack, span)
		return nil
	}

	if n := len(stack); n > 0 {
		span := stack[n-1]
		if n == 1 {
			delete(s.open, r.Execution)
		} else {
			s.open[r.Execution] = stack[:n-1]
		}
		span.End(trace.WithTimestamp(r.End))
		return nil
	}

	_, span := s.tracer.Start(s.ctx, r.Name,
		trace.WithTimestamp(r.Start),
		trace.WithAttributes(recordAttributes(r)...))
	span.End(trace.WithTimestamp(r.End))
	return nil
}

// Close ends spans left open by calls that never returned.
func (s *Spans) Close() error {
	for exec, stack := range s.open {
		for i := len(stack) - 1; i >= 0; i-- {
			stack[i].End()
		}
		delete(s.open, exec)
	}
	return nil
}

func recordAttributes(r Record) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrFunctionIndex.Int64(int64(r.Index)),
		AttrFunctionName.String(r.Name),
		AttrCallDepth.Int(r.Depth),
	}
	if r.Execution != "" {
		attrs = append(attrs, AttrExecution.String(r.Execution))
	}
	return attrs
}
