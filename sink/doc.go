// Package sink persists call records produced by the tracer.
//
// A Sink receives finished records one at a time. Sinks do not lock; wrap
// a sink shared across executions with Synchronized, which holds a single
// mutex for the duration of one Append.
//
// Backends:
//   - JSONL writes one JSON object per line to any io.Writer
//   - File is a JSONL sink over an append-only file
//   - Memory keeps records in a slice
//   - SQLite stores records in a call_events table
//   - Spans converts calls into OpenTelemetry spans
//   - Tee fans out to several sinks
//
// The wire form of a record is
//
//	{"index":0,"name":"add","start":"2024-01-01T00:00:00.000000001Z","end":"..."}
//
// ReadJSONL parses it back.
package sink
