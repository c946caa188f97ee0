package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/statusd/internal/history"
	"github.com/loykin/statusd/internal/store"
)

// Sink appends history events to a SQLite table.
type Sink struct {
	db    *sql.DB
	table string
}

// New opens the database named by dsn and creates the event table.
// Accepted forms:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" or ":memory:"
//
// A "table" query parameter overrides history.Table; other parameters are
// handed to the driver.
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	path, table, err := splitTable(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a second connection to ":memory:" would see a different database
	db.SetMaxOpenConns(1)

	s := &Sink{db: db, table: table}
	if err := s.ensureSchema(context.Background(), !strings.HasPrefix(path, ":memory:")); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func splitTable(dsn string) (string, string, error) {
	table := history.Table
	path, rawQuery, ok := strings.Cut(dsn, "?")
	if ok {
		q, err := url.ParseQuery(rawQuery)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite DSN: %w", err)
		}
		if t := q.Get("table"); t != "" {
			table = t
		}
		q.Del("table")
		if enc := q.Encode(); enc != "" {
			path += "?" + enc
		}
	}
	if !store.ValidIdentifier(table) {
		return "", "", fmt.Errorf("invalid sqlite table name %q", table)
	}
	return path, table, nil
}

func (s *Sink) ensureSchema(ctx context.Context, onDisk bool) error {
	if onDisk {
		if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
			return fmt.Errorf("enable WAL: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		occurred_at   TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		event         TEXT NOT NULL,
		client_name   TEXT,
		record_id     TEXT,
		deleted_count INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	_, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS `+s.table+`_client_idx ON `+s.table+` (client_name, occurred_at)`)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.table+` (occurred_at, event, client_name, record_id, deleted_count) VALUES (?, ?, ?, ?, ?)`,
		e.OccurredAt.UTC(), string(e.Type), nullable(e.ClientName), nullable(e.RecordID), e.DeletedCount)
	return err
}

// Count returns how many events of type t were stored.
func (s *Sink) Count(ctx context.Context, t history.EventType) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+s.table+` WHERE event = ?`, string(t)).Scan(&n)
	return n, err
}

// Opened lists the clients with an opened event, oldest first.
func (s *Sink) Opened(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT client_name FROM `+s.table+` WHERE event = ? AND client_name IS NOT NULL ORDER BY occurred_at, rowid`,
		string(history.EventOpened))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
