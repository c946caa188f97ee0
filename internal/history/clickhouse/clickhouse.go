package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/statusd/internal/history"
	"github.com/loykin/statusd/internal/store"
)

// Options configures the native ClickHouse connection.
type Options struct {
	Addr        string
	Database    string
	Username    string
	Password    string
	Table       string
	DialTimeout time.Duration // default 5s
}

// Sink appends events to a MergeTree table over the native protocol.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects and pings. The table is created by EnsureTable.
func New(opts Options) (*Sink, error) {
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	if opts.Table == "" {
		opts.Table = history.Table
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if !store.ValidIdentifier(opts.Table) {
		return nil, fmt.Errorf("invalid clickhouse table name %q", opts.Table)
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: opts.DialTimeout,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct{ Name, Version string }{{Name: "statusd", Version: "1"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return &Sink{conn: conn, table: opts.Table}, nil
}

// EnsureTable creates the event table when missing. Events are partitioned
// by month and ordered for per-client lookups.
func (s *Sink) EnsureTable(ctx context.Context) error {
	return s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			type          LowCardinality(String),
			occurred_at   DateTime64(3, 'UTC'),
			client_name   String,
			record_id     String,
			deleted_count Int64
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(occurred_at)
		ORDER BY (type, client_name, occurred_at)
	`)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	batch, err := s.conn.PrepareBatch(ctx,
		`INSERT INTO `+s.table+` (type, occurred_at, client_name, record_id, deleted_count)`)
	if err != nil {
		return fmt.Errorf("prepare clickhouse insert: %w", err)
	}
	if err := batch.Append(string(e.Type), e.OccurredAt.UTC(), e.ClientName, e.RecordID, e.DeletedCount); err != nil {
		_ = batch.Abort()
		return fmt.Errorf("append clickhouse row: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("insert into clickhouse: %w", err)
	}
	return nil
}

// OpensPerClient counts opened events per client name.
func (s *Sink) OpensPerClient(ctx context.Context) (map[string]uint64, error) {
	rows, err := s.conn.Query(ctx,
		`SELECT client_name, count() FROM `+s.table+` WHERE type = ? GROUP BY client_name`,
		string(history.EventOpened))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]uint64)
	for rows.Next() {
		var name string
		var n uint64
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
