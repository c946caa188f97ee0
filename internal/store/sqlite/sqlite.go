package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/loykin/statusd/internal/store"
)

// DB implements store.Backend for SQLite (modernc.org/sqlite driver, CGO-free).
// The path is a filesystem path to the database file. Use ":memory:" for in-memory.
type DB struct {
	db     *sql.DB
	table  string
	unique bool
}

// New opens a SQLite database at path. No query is issued until Ping.
func New(path string, opts store.Options) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	table := opts.CollectionName()
	if !store.ValidIdentifier(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// one connection: ":memory:" is per-connection and SQLite serializes writes anyway
	d.SetMaxOpenConns(1)
	return &DB{db: d, table: table, unique: opts.UniqueClientName}, nil
}

func (s *DB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	index := `CREATE INDEX IF NOT EXISTS idx_` + s.table + `_client_name ON ` + s.table + `(client_name);`
	if s.unique {
		index = `CREATE UNIQUE INDEX IF NOT EXISTS ux_` + s.table + `_client_name ON ` + s.table + `(client_name);`
	}
	stmts := []string{
		// busy timeout helps with short concurrent locks
		`PRAGMA busy_timeout=3000;`,
		`CREATE TABLE IF NOT EXISTS ` + s.table + `(
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			client_name TEXT NOT NULL,
			opened BOOLEAN NOT NULL,
			timestamp TEXT NOT NULL
		);`,
		index,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) FindByClientName(ctx context.Context, name string) (store.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, client_name, opened, timestamp
		FROM `+s.table+`
		WHERE client_name=?
		ORDER BY seq
		LIMIT 1;`, name)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	return r, err
}

func (s *DB) Insert(ctx context.Context, rec store.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+s.table+`(id, client_name, opened, timestamp)
		VALUES(?, ?, ?, ?);`,
		rec.ID, rec.ClientName, rec.Opened, store.FormatTimestamp(rec.Timestamp))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", store.ErrDuplicate, rec.ClientName)
	}
	return err
}

func (s *DB) List(ctx context.Context, limit int) ([]store.Record, error) {
	if limit <= 0 {
		limit = -1 // sqlite: negative LIMIT means no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_name, opened, timestamp
		FROM `+s.table+`
		ORDER BY seq
		LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *DB) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table+`;`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (store.Record, error) {
	var r store.Record
	var ts string
	if err := sc.Scan(&r.ID, &r.ClientName, &r.Opened, &ts); err != nil {
		return store.Record{}, err
	}
	t, err := store.ParseTimestamp(ts)
	if err != nil {
		return store.Record{}, fmt.Errorf("record %s: bad timestamp %q: %w", r.ID, ts, err)
	}
	r.Timestamp = t
	return r, nil
}

func isUniqueViolation(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
