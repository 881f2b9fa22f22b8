package sink

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/wippyai/wasm-calltrace/errors"
)

// JSONL writes newline-delimited JSON records. Each record is handed to the
// underlying writer in a single Write call.
type JSONL struct {
	w   io.Writer
	buf bytes.Buffer
	enc *json.Encoder
}

func NewJSONL(w io.Writer) *JSONL {
	j := &JSONL{w: w}
	j.enc = json.NewEncoder(&j.buf)
	j.enc.SetEscapeHTML(false)
	return j
}

func (j *JSONL) Append(r Record) error {
	j.buf.Reset()
	// Encode terminates the object with '\n'
	if err := j.enc.Encode(r); err != nil {
		return ioError(err, "encode record")
	}
	if _, err := j.w.Write(j.buf.Bytes()); err != nil {
		return ioError(err, "write record")
	}
	return nil
}

// FileOptions configures OpenFile.
type FileOptions struct {
	// Sync flushes the file to stable storage after every record.
	Sync bool
	Perm os.FileMode
}

// File is a JSONL sink over a file opened for appending.
type File struct {
	*JSONL
	f    *os.File
	sync bool
}

// OpenFile opens path for appending, creating it if needed.
func OpenFile(path string, opts FileOptions) (*File, error) {
	perm := opts.Perm
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, perm)
	if err != nil {
		return nil, errors.New(errors.PhaseSink, errors.KindSinkIO).
			Path(path).
			Detail("open trace file").
			Cause(err).
			Build()
	}
	return &File{JSONL: NewJSONL(f), f: f, sync: opts.Sync}, nil
}

func (f *File) Append(r Record) error {
	if err := f.JSONL.Append(r); err != nil {
		return err
	}
	if f.sync {
		return ioError(f.f.Sync(), "sync trace file")
	}
	return nil
}

// Name returns the file path.
func (f *File) Name() string { return f.f.Name() }

func (f *File) Close() error {
	if err := f.f.Sync(); err != nil {
		_ = f.f.Close()
		return ioError(err, "sync trace file")
	}
	return ioError(f.f.Close(), "close trace file")
}

// ReadJSONL parses a trace log. Blank lines are skipped. Metadata fields
// are not part of the wire form; Phase is inferred as enter when End equals
// Start.
func ReadJSONL(r io.Reader) ([]Record, error) {
	var out []Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return out, errors.New(errors.PhaseSink, errors.KindInvalidData).
				Path(fmt.Sprintf("line %d", line)).
				Detail("decode record").
				Cause(err).
				Build()
		}
		if rec.End.Equal(rec.Start) {
			rec.Phase = PhaseEnter
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return out, ioError(err, "read trace log")
	}
	return out, nil
}
