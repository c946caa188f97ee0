package postgres

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/statusd/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	pg, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() { _ = pg.Terminate(ctx) }()

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	sink, err := New(ctx, connStr+"&table=status_events")
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer func() { _ = sink.Close() }()
	if sink.table != "status_events" {
		t.Fatalf("table override ignored: %q", sink.table)
	}

	if err := sink.Send(ctx, history.Event{Type: history.EventOpened, OccurredAt: time.Now(), ClientName: "alice", RecordID: "rec-1"}); err != nil {
		t.Fatalf("send opened: %v", err)
	}
	if err := sink.Send(ctx, history.Event{Type: history.EventReset, OccurredAt: time.Now(), DeletedCount: 1}); err != nil {
		t.Fatalf("send reset: %v", err)
	}

	for typ, want := range map[history.EventType]int64{history.EventOpened: 1, history.EventReset: 1} {
		n, err := sink.Count(ctx, typ)
		if err != nil {
			t.Fatalf("count %s: %v", typ, err)
		}
		if n != want {
			t.Errorf("expected %d %s events, got %d", want, typ, n)
		}
	}

	var client *string
	if err := sink.pool.QueryRow(ctx, "SELECT client_name FROM status_events WHERE event = 'reset'").Scan(&client); err != nil {
		t.Fatalf("query reset row: %v", err)
	}
	if client != nil {
		t.Errorf("reset event should store NULL client_name, got %q", *client)
	}

	// reopening must not fail on the existing table and index
	again, err := New(ctx, connStr+"&table=status_events")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = again.Close()
}

func TestNewRejectsEmptyDSN(t *testing.T) {
	if _, err := New(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}

func TestSplitTable(t *testing.T) {
	conn, table, err := splitTable("postgres://u:p@h:5432/db?sslmode=disable&table=events")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if table != "events" {
		t.Fatalf("table = %q", table)
	}
	if strings.Contains(conn, "table=") || !strings.Contains(conn, "sslmode=disable") {
		t.Fatalf("unexpected connection string %q", conn)
	}

	_, table, err = splitTable("postgres://u@h/db")
	if err != nil || table != history.Table {
		t.Fatalf("default table: %q, %v", table, err)
	}

	if _, _, err := splitTable("postgres://u@h/db?table=drop;table"); err == nil {
		t.Fatalf("expected invalid table error")
	}
}
