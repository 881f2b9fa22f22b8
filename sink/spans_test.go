package sink

import (
	"context"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder(t *testing.T) (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exp, tp
}

func TestSpans_Nested(t *testing.T) {
	exp, tp := newRecorder(t)
	s := NewSpans(context.Background(), tp.Tracer("test"))
	for _, r := range sampleRecords() {
		if err := s.Append(r); err != nil {
			t.Fatal(err)
		}
	}

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	// spans are exported as they end, innermost first
	inner, outer := spans[0], spans[1]
	if inner.Name != "inner" || outer.Name != "outer" {
		t.Fatalf("names = %s, %s", inner.Name, outer.Name)
	}
	if inner.Parent.SpanID() != outer.SpanContext.SpanID() {
		t.Error("inner span should be a child of outer")
	}
	if !outer.StartTime.Equal(t0) || !outer.EndTime.Equal(t0.Add(3*time.Microsecond)) {
		t.Errorf("outer timing = %v..%v", outer.StartTime, outer.EndTime)
	}

	attrs := map[string]any{}
	for _, kv := range inner.Attributes {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	if attrs[string(AttrFunctionIndex)] != int64(0) || attrs[string(AttrCallDepth)] != int64(1) || attrs[string(AttrExecution)] != "a" {
		t.Errorf("attributes = %v", attrs)
	}
}

func TestSpans_ExitOnly(t *testing.T) {
	exp, tp := newRecorder(t)
	s := NewSpans(context.TODO(), tp.Tracer("test"))
	rec := Record{Index: 2, Name: "solo", Start: t0, End: t0.Add(time.Millisecond)}
	if err := s.Append(rec); err != nil {
		t.Fatal(err)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "solo" {
		t.Fatalf("spans = %v", spans)
	}
	if spans[0].EndTime.Sub(spans[0].StartTime) != time.Millisecond {
		t.Errorf("duration = %v", spans[0].EndTime.Sub(spans[0].StartTime))
	}
}

func TestSpans_CloseEndsOpenSpans(t *testing.T) {
	exp, tp := newRecorder(t)
	s := NewSpans(context.Background(), tp.Tracer("test"))
	if err := s.Append(sampleRecords()[0]); err != nil {
		t.Fatal(err)
	}
	if len(exp.GetSpans()) != 0 {
		t.Fatal("open span should not be exported yet")
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if len(exp.GetSpans()) != 1 {
		t.Errorf("got %d spans after close, want 1", len(exp.GetSpans()))
	}
}
