// Package spool provides a WAL-mode SQLite-backed at-least-once spool for
// experiment lifecycle events awaiting delivery to the fleet dashboard.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL and synchronous =
// NORMAL. All access goes through a single connection, so the goroutine
// enqueuing new events and the goroutine draining and delivering them take
// turns on it rather than running their statements concurrently.
//
// # At-least-once delivery
//
// The delivered column is set to 1 only when Ack is called. If the process
// crashes between Enqueue and Ack, the event is returned again by the next
// Dequeue call after restart, so every event eventually reaches the
// dashboard even across a crash or a prolonged disconnect.
package spool

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	"github.com/lprof/lprof/internal/fleetpb"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Spool is a WAL-mode SQLite-backed at-least-once queue of
// fleetpb.ExperimentEvent values. It is safe for concurrent use.
type Spool struct {
	db    *sql.DB
	depth atomic.Int64
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. Passing ":memory:" is suitable for tests
// but loses all data when closed.
func Open(path string) (*Spool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("spool: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single connection avoids
	// "database is locked" errors under concurrent Enqueue calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: apply schema: %w", err)
	}

	s := &Spool{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM experiment_events WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: count pending rows: %w", err)
	}
	s.depth.Store(count)

	return s, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS experiment_events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id        TEXT    NOT NULL,
    node_id         TEXT    NOT NULL,
    kind            TEXT    NOT NULL,
    timestamp_us    INTEGER NOT NULL,
    experiment_path TEXT    NOT NULL,
    detail          TEXT    NOT NULL DEFAULT 'null',
    delivered       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_experiment_events_pending
    ON experiment_events (delivered, id);
`

// Enqueue persists evt. It is stored with delivered = 0 and is included in
// subsequent Dequeue results until Ack is called for its row id.
func (s *Spool) Enqueue(ctx context.Context, evt fleetpb.ExperimentEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experiment_events
			(event_id, node_id, kind, timestamp_us, experiment_path, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		evt.EventID, evt.NodeID, string(evt.Kind), evt.TimestampUs, evt.ExperimentPath,
		string(evt.Detail),
	)
	if err != nil {
		return fmt.Errorf("spool: enqueue: %w", err)
	}
	s.depth.Add(1)
	return nil
}

// PendingEvent is an unacknowledged event returned by Dequeue. RowID is the
// spool's internal primary key, used to Ack the row once delivered.
type PendingEvent struct {
	RowID int64
	Event fleetpb.ExperimentEvent
}

// Dequeue returns up to n unacknowledged events in insertion order (oldest
// first). It does not mark events delivered; call Ack with the returned row
// ids once the dashboard has confirmed receipt.
func (s *Spool) Dequeue(ctx context.Context, n int) ([]PendingEvent, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, node_id, kind, timestamp_us, experiment_path, detail
		 FROM   experiment_events
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("spool: dequeue query: %w", err)
	}
	defer rows.Close()

	var out []PendingEvent
	for rows.Next() {
		var pe PendingEvent
		var kind, detail string
		if err := rows.Scan(&pe.RowID, &pe.Event.EventID, &pe.Event.NodeID, &kind,
			&pe.Event.TimestampUs, &pe.Event.ExperimentPath, &detail); err != nil {
			return nil, fmt.Errorf("spool: dequeue scan: %w", err)
		}
		pe.Event.Kind = fleetpb.EventKind(kind)
		pe.Event.Detail = []byte(detail)
		out = append(out, pe)
	}
	return out, rows.Err()
}

// Ack marks the rows identified by ids as delivered. Ack is idempotent.
func (s *Spool) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	var result sql.Result
	var err error
	for _, id := range ids {
		result, err = s.db.ExecContext(ctx,
			`UPDATE experiment_events SET delivered = 1 WHERE id = ? AND delivered = 0`, id)
		if err != nil {
			return fmt.Errorf("spool: ack %d: %w", id, err)
		}
		n, _ := result.RowsAffected()
		s.depth.Add(-n)
	}
	return nil
}

// Depth returns the number of pending (unacknowledged) events.
func (s *Spool) Depth() int {
	return int(s.depth.Load())
}

// Close closes the underlying database connection.
func (s *Spool) Close() error {
	return s.db.Close()
}
