package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/statusd/internal/store"
)

func openTestDB(t *testing.T, path string, unique bool) *DB {
	t.Helper()
	db, err := New(path, store.Options{UniqueClientName: unique})
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func TestSQLiteMinimalAPI(t *testing.T) {
	db := openTestDB(t, ":memory:", true)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 987654321, time.UTC)
	rec := store.Record{ID: "id-1", ClientName: "alice", Opened: true, Timestamp: now}
	if err := db.Insert(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := db.FindByClientName(ctx, "alice")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != "id-1" || !got.Opened || !got.Timestamp.Equal(store.CanonicalTime(now)) {
		t.Fatalf("unexpected record: %+v", got)
	}
	if _, err := db.FindByClientName(ctx, "bob"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	dup := store.Record{ID: "id-2", ClientName: "alice", Opened: true, Timestamp: now}
	if err := db.Insert(ctx, dup); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	if err := db.Insert(ctx, store.Record{ID: "id-3", ClientName: "bob", Opened: true, Timestamp: now}); err != nil {
		t.Fatalf("insert bob: %v", err)
	}
	list, err := db.List(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ClientName != "alice" || list[1].ClientName != "bob" {
		t.Fatalf("unexpected list: %+v", list)
	}
	one, err := db.List(ctx, 1)
	if err != nil || len(one) != 1 {
		t.Fatalf("limited list: %v %d", err, len(one))
	}

	n, err := db.DeleteAll(ctx)
	if err != nil || n != 2 {
		t.Fatalf("delete all: %d %v", n, err)
	}
	list, _ = db.List(ctx, 0)
	if len(list) != 0 {
		t.Fatalf("expected empty list, got %d", len(list))
	}
}

func TestSQLiteWithoutUniqueIndex(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "status.db"), false)
	ctx := context.Background()
	now := time.Now()
	for i, id := range []string{"a", "b"} {
		if err := db.Insert(ctx, store.Record{ID: id, ClientName: "same", Opened: true, Timestamp: now}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	got, err := db.FindByClientName(ctx, "same")
	if err != nil || got.ID != "a" {
		t.Fatalf("expected first inserted record, got %+v %v", got, err)
	}
}

func TestSQLiteRejectsBadInput(t *testing.T) {
	if _, err := New("  ", store.Options{}); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := New(":memory:", store.Options{Collection: "x; DROP"}); err == nil {
		t.Fatalf("expected error for invalid table name")
	}
}
