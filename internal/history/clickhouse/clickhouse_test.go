package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/statusd/internal/history"
)

// setupClickHouseContainer starts a ClickHouse container for testing
func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	clickHouseContainer, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start ClickHouse container: %v", err)
	}

	host, err := clickHouseContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := clickHouseContainer.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}

	return clickHouseContainer, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	ch, addr := setupClickHouseContainer(ctx, t)
	defer func() { _ = ch.Terminate(ctx) }()

	sink, err := New(Options{Addr: addr, Table: "status_events"})
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer func() { _ = sink.Close() }()
	if err := sink.EnsureTable(ctx); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := sink.EnsureTable(ctx); err != nil {
		t.Fatalf("EnsureTable must be repeatable: %v", err)
	}

	now := time.Now().UTC()
	events := []history.Event{
		{Type: history.EventOpened, OccurredAt: now, ClientName: "alice", RecordID: "rec-1"},
		{Type: history.EventOpened, OccurredAt: now.Add(time.Second), ClientName: "bob", RecordID: "rec-2"},
		{Type: history.EventReset, OccurredAt: now.Add(2 * time.Second), DeletedCount: 2},
		{Type: history.EventOpened, OccurredAt: now.Add(3 * time.Second), ClientName: "alice", RecordID: "rec-3"},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("send %s: %v", e.Type, err)
		}
	}

	per, err := sink.OpensPerClient(ctx)
	if err != nil {
		t.Fatalf("opens per client: %v", err)
	}
	if per["alice"] != 2 || per["bob"] != 1 || len(per) != 2 {
		t.Fatalf("unexpected per-client counts %v", per)
	}

	var deleted int64
	if err := sink.conn.QueryRow(ctx, "SELECT sum(deleted_count) FROM status_events WHERE type = 'reset'").Scan(&deleted); err != nil {
		t.Fatalf("query resets: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted records, got %d", deleted)
	}
}

func TestClickHouseSink_ConnectionError(t *testing.T) {
	if _, err := New(Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond}); err == nil {
		t.Error("expected connection error")
	}
}

func TestClickHouseSink_BadTable(t *testing.T) {
	if _, err := New(Options{Addr: "localhost:9000", Table: "events; DROP"}); err == nil {
		t.Error("expected error for invalid table name")
	}
}
