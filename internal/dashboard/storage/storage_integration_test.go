//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/dashboard/storage/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/lprof/lprof/internal/dashboard/storage"
	"github.com/lprof/lprof/internal/fleetpb"
)

// setupStore starts a PostgreSQL container and returns a Store whose New()
// has already applied the package's schema against it.
func setupStore(t *testing.T) (*storage.Store, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("lprof_test"),
		tcpostgres.WithUsername("lprof"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	store, err := storage.New(ctx, connStr, 5, 50*time.Millisecond)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("storage.New: %v", err)
	}

	cleanup := func() {
		store.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return store, cleanup
}

func TestUpsertNodeAndList(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	nodeID, err := store.UpsertNode(ctx, "node-a.cluster", "linux-x86_64", "0.1.0")
	if err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}
	if nodeID == "" {
		t.Fatal("UpsertNode returned empty node_id")
	}

	again, err := store.UpsertNode(ctx, "node-a.cluster", "linux-x86_64", "0.2.0")
	if err != nil {
		t.Fatalf("UpsertNode (re-register): %v", err)
	}
	if again != nodeID {
		t.Errorf("node_id changed across re-registration: %q -> %q", nodeID, again)
	}

	nodes, err := store.ListNodes(ctx)
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("want 1 node, got %d", len(nodes))
	}
	if nodes[0].AgentVersion != "0.2.0" {
		t.Errorf("agent_version: want 0.2.0, got %q", nodes[0].AgentVersion)
	}
}

func TestInsertEventFlushOnSizeAndQuery(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	nodeID, err := store.UpsertNode(ctx, "node-b.cluster", "linux-aarch64", "0.1.0")
	if err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}

	base := time.Now().UnixMicro()
	for i := 0; i < 5; i++ {
		evt := fleetpb.ExperimentEvent{
			EventID:        uuidLike("e", i),
			NodeID:         nodeID,
			Kind:           fleetpb.EventSessionStart,
			TimestampUs:    base + int64(i),
			ExperimentPath: "/data/exp-1",
			Detail:         []byte(`{"engine":"inherit"}`),
		}
		if err := store.InsertEvent(ctx, evt); err != nil {
			t.Fatalf("InsertEvent[%d]: %v", i, err)
		}
	}

	events, err := store.QueryEvents(ctx, storage.QueryFilter{
		ExperimentPath: "/data/exp-1",
		Since:          time.Now().Add(-time.Hour),
		Limit:          100,
	})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 5 {
		t.Errorf("want 5 events, got %d", len(events))
	}
}

func TestInsertEventFlushOnInterval(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	nodeID, err := store.UpsertNode(ctx, "node-c.cluster", "linux-x86_64", "0.1.0")
	if err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}

	evt := fleetpb.ExperimentEvent{
		EventID:        uuidLike("f", 0),
		NodeID:         nodeID,
		Kind:           fleetpb.EventEmergencyStop,
		TimestampUs:    time.Now().UnixMicro(),
		ExperimentPath: "/data/exp-2",
		Detail:         []byte(`{"reason":"max_files_MB exceeded"}`),
	}
	// Only 1 event — below the batchSize of 5 — so only the flush ticker
	// (50ms) can deliver it.
	if err := store.InsertEvent(ctx, evt); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	events, err := store.QueryEvents(ctx, storage.QueryFilter{
		ExperimentPath: "/data/exp-2",
		Since:          time.Now().Add(-time.Hour),
		Limit:          10,
	})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("want 1 event, got %d", len(events))
	}
	if events[0].Kind != string(fleetpb.EventEmergencyStop) {
		t.Errorf("kind: want %q, got %q", fleetpb.EventEmergencyStop, events[0].Kind)
	}
}

// uuidLike fabricates a stable, distinct pseudo-UUID for test fixtures
// without pulling in a UUID generator for a value that is never parsed.
func uuidLike(tag string, n int) string {
	return tag + "0000000-0000-0000-0000-" + padInt(n)
}

func padInt(n int) string {
	s := "000000000000"
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if len(digits) == 0 {
		digits = []byte{'0'}
	}
	return s[:len(s)-len(digits)] + string(digits)
}
