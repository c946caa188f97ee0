package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/statusd/internal/store"
)

const uniqueViolation = "23505"

// DB implements store.Backend for PostgreSQL through the pgx stdlib driver.
// The logical database name becomes the schema holding the status table.
type DB struct {
	db     *sql.DB
	schema string
	table  string
	unique bool
}

// New opens a pool for dsn. sql.Open does not connect; Ping does.
func New(dsn string, opts store.Options) (*DB, error) {
	table := opts.CollectionName()
	if !store.ValidIdentifier(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if opts.Database != "" && !store.ValidIdentifier(opts.Database) {
		return nil, fmt.Errorf("invalid schema name %q", opts.Database)
	}
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(25)
	d.SetMaxIdleConns(5)
	d.SetConnMaxLifetime(5 * time.Minute)
	return &DB{db: d, schema: opts.Database, table: table, unique: opts.UniqueClientName}, nil
}

func (p *DB) qualified() string {
	if p.schema == "" {
		return pgx.Identifier{p.table}.Sanitize()
	}
	return pgx.Identifier{p.schema, p.table}.Sanitize()
}

func (p *DB) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *DB) EnsureSchema(ctx context.Context) error {
	t := p.qualified()
	var stmts []string
	if p.schema != "" {
		stmts = append(stmts, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{p.schema}.Sanitize()+`;`)
	}
	stmts = append(stmts, `CREATE TABLE IF NOT EXISTS `+t+`(
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			client_name TEXT NOT NULL,
			opened BOOLEAN NOT NULL,
			timestamp TEXT NOT NULL
		);`)
	if p.unique {
		stmts = append(stmts, `CREATE UNIQUE INDEX IF NOT EXISTS `+pgx.Identifier{"ux_" + p.table + "_client_name"}.Sanitize()+` ON `+t+`(client_name);`)
	} else {
		stmts = append(stmts, `CREATE INDEX IF NOT EXISTS `+pgx.Identifier{"idx_" + p.table + "_client_name"}.Sanitize()+` ON `+t+`(client_name);`)
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) FindByClientName(ctx context.Context, name string) (store.Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, client_name, opened, timestamp
		FROM `+p.qualified()+`
		WHERE client_name=$1
		ORDER BY seq
		LIMIT 1;`, name)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	return r, err
}

func (p *DB) Insert(ctx context.Context, rec store.Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO `+p.qualified()+`(id, client_name, opened, timestamp)
		VALUES($1,$2,$3,$4);`,
		rec.ID, rec.ClientName, rec.Opened, store.FormatTimestamp(rec.Timestamp))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", store.ErrDuplicate, rec.ClientName)
	}
	return err
}

func (p *DB) List(ctx context.Context, limit int) ([]store.Record, error) {
	var limitArg any // NULL means no limit
	if limit > 0 {
		limitArg = limit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, client_name, opened, timestamp
		FROM `+p.qualified()+`
		ORDER BY seq
		LIMIT $1;`, limitArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
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

func (p *DB) DeleteAll(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM `+p.qualified()+`;`)
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
