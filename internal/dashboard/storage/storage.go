// Package storage is the dashboard's Postgres-backed persistence layer
// for registered nodes and experiment lifecycle events, built around a
// batched pgx writer.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lprof/lprof/internal/fleetpb"
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
    node_id       UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    hostname      TEXT NOT NULL UNIQUE,
    platform      TEXT NOT NULL,
    agent_version TEXT NOT NULL,
    first_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_seen_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS experiment_events (
    event_id        UUID PRIMARY KEY,
    node_id         UUID NOT NULL REFERENCES nodes(node_id),
    kind            TEXT NOT NULL,
    timestamp_us    BIGINT NOT NULL,
    experiment_path TEXT NOT NULL,
    detail          JSONB NOT NULL DEFAULT '{}'::jsonb,
    received_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_experiment_events_path ON experiment_events (experiment_path);
CREATE INDEX IF NOT EXISTS idx_experiment_events_node ON experiment_events (node_id);
`

// Node is a registered collecting node.
type Node struct {
	NodeID       string
	Hostname     string
	Platform     string
	AgentVersion string
	FirstSeenAt  time.Time
	LastSeenAt   time.Time
}

// Event is a persisted experiment lifecycle event.
type Event struct {
	EventID        string
	NodeID         string
	Kind           string
	TimestampUs    int64
	ExperimentPath string
	Detail         []byte
	ReceivedAt     time.Time
}

// Store batches experiment event inserts: a buffer flushed either when
// it reaches batchSize or on every tick of flushInterval, whichever
// comes first.
type Store struct {
	pool *pgxpool.Pool

	mu            sync.Mutex
	batch         []Event
	batchSize     int
	flushInterval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// New connects to Postgres, applies schema, and starts the background
// flush loop.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}

	s := &Store{
		pool:          pool,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the flush loop, flushes any remaining buffered events, and
// closes the pool.
func (s *Store) Close() error {
	close(s.stopCh)
	<-s.doneCh
	if err := s.Flush(context.Background()); err != nil {
		s.pool.Close()
		return err
	}
	s.pool.Close()
	return nil
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Flush(context.Background()); err != nil {
				continue
			}
		}
	}
}

// InsertEvent buffers evt, flushing synchronously if the buffer is full.
// It does not touch the node's last_seen_at, which UpsertNode refreshes.
func (s *Store) InsertEvent(ctx context.Context, evt fleetpb.ExperimentEvent) error {
	s.mu.Lock()
	s.batch = append(s.batch, Event{
		EventID:        evt.EventID,
		NodeID:         evt.NodeID,
		Kind:           string(evt.Kind),
		TimestampUs:    evt.TimestampUs,
		ExperimentPath: evt.ExperimentPath,
		Detail:         []byte(evt.Detail),
	})
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush writes any buffered events in a single round trip.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	pending := s.batch
	s.batch = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range pending {
		detail := e.Detail
		if len(detail) == 0 {
			detail = []byte("{}")
		}
		batch.Queue(
			`INSERT INTO experiment_events
				(event_id, node_id, kind, timestamp_us, experiment_path, detail)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (event_id) DO NOTHING`,
			e.EventID, e.NodeID, e.Kind, e.TimestampUs, e.ExperimentPath, detail,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range pending {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("storage: flush: %w", err)
		}
	}
	return nil
}

// UpsertNode inserts or refreshes a node by hostname, returning its stable
// node_id so reconnecting nodes keep the same identity across restarts.
func (s *Store) UpsertNode(ctx context.Context, hostname, platform, agentVersion string) (string, error) {
	var nodeID string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO nodes (hostname, platform, agent_version)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (hostname) DO UPDATE
		 SET platform = EXCLUDED.platform,
		     agent_version = EXCLUDED.agent_version,
		     last_seen_at = now()
		 RETURNING node_id`,
		hostname, platform, agentVersion,
	).Scan(&nodeID)
	if err != nil {
		return "", fmt.Errorf("storage: upsert node %q: %w", hostname, err)
	}
	return nodeID, nil
}

// ListNodes returns every registered node, most-recently-seen first.
func (s *Store) ListNodes(ctx context.Context) ([]Node, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT node_id, hostname, platform, agent_version, first_seen_at, last_seen_at
		 FROM nodes ORDER BY last_seen_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list nodes: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.NodeID, &n.Hostname, &n.Platform, &n.AgentVersion, &n.FirstSeenAt, &n.LastSeenAt); err != nil {
			return nil, fmt.Errorf("storage: scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// QueryFilter narrows QueryEvents results.
type QueryFilter struct {
	ExperimentPath string
	NodeID         string
	Since          time.Time
	Until          time.Time
	Limit          int
}

// QueryEvents returns events matching the filter, newest first.
func (s *Store) QueryEvents(ctx context.Context, f QueryFilter) ([]Event, error) {
	query := `SELECT event_id, node_id, kind, timestamp_us, experiment_path, detail, received_at
	          FROM experiment_events WHERE received_at BETWEEN $1 AND $2`
	args := []any{f.Since, orNow(f.Until)}
	idx := 3

	if f.ExperimentPath != "" {
		query += fmt.Sprintf(" AND experiment_path = $%d", idx)
		args = append(args, f.ExperimentPath)
		idx++
	}
	if f.NodeID != "" {
		query += fmt.Sprintf(" AND node_id = $%d", idx)
		args = append(args, f.NodeID)
		idx++
	}
	query += " ORDER BY received_at DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	query += fmt.Sprintf(" LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.EventID, &e.NodeID, &e.Kind, &e.TimestampUs, &e.ExperimentPath, &e.Detail, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
