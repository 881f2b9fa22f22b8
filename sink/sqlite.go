package sink

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wippyai/wasm-calltrace/errors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS call_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	execution TEXT NOT NULL,
	phase TEXT NOT NULL,
	func_index INTEGER NOT NULL,
	name TEXT NOT NULL,
	start_ns INTEGER NOT NULL,
	end_ns INTEGER NOT NULL,
	depth INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_call_events_execution ON call_events(execution);
CREATE INDEX IF NOT EXISTS idx_call_events_name ON call_events(name);
`

const sqliteInsert = `INSERT INTO call_events
	(execution, phase, func_index, name, start_ns, end_ns, depth)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

// SQLite stores records in the call_events table. Timestamps are kept as
// Unix nanoseconds.
type SQLite struct {
	db     *sql.DB
	insert *sql.Stmt
}

// OpenSQLite opens dsn with the pure Go sqlite driver and creates the
// schema. ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, sqliteError(dsn, "open database", err)
	}
	// one connection keeps in-memory databases shared and appends ordered
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, sqliteError(dsn, "create schema", err)
	}
	stmt, err := db.PrepareContext(ctx, sqliteInsert)
	if err != nil {
		_ = db.Close()
		return nil, sqliteError(dsn, "prepare insert", err)
	}
	return &SQLite{db: db, insert: stmt}, nil
}

func sqliteError(dsn, detail string, err error) error {
	return errors.New(errors.PhaseSink, errors.KindSinkIO).
		Path(dsn).
		Detail("%s", detail).
		Cause(err).
		Build()
}

func (s *SQLite) Append(r Record) error {
	_, err := s.insert.Exec(
		r.Execution,
		r.Phase.String(),
		int64(r.Index),
		r.Name,
		r.Start.UnixNano(),
		r.End.UnixNano(),
		r.Depth,
	)
	return ioError(err, "insert record")
}

// Records returns the stored records of one execution, or of all
// executions when execution is empty, in insertion order.
func (s *SQLite) Records(ctx context.Context, execution string) ([]Record, error) {
	query := `SELECT execution, phase, func_index, name, start_ns, end_ns, depth FROM call_events`
	var args []any
	if execution != "" {
		query += ` WHERE execution = ?`
		args = append(args, execution)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ioError(err, "query records")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec            Record
			phase          string
			index          int64
			startNs, endNs int64
		)
		if err := rows.Scan(&rec.Execution, &phase, &index, &rec.Name, &startNs, &endNs, &rec.Depth); err != nil {
			return out, ioError(err, "scan record")
		}
		rec.Index = uint32(index)
		rec.Start = time.Unix(0, startNs).UTC()
		rec.End = time.Unix(0, endNs).UTC()
		if phase == PhaseEnter.String() {
			rec.Phase = PhaseEnter
		}
		out = append(out, rec)
	}
	return out, ioError(rows.Err(), "iterate records")
}

// DB exposes the underlying handle for ad hoc queries.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Close() error {
	_ = s.insert.Close()
	return ioError(s.db.Close(), "close database")
}
