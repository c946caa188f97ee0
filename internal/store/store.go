package store

import (
	"context"
	"time"
)

// Record is the unit we persist for a client's status check.
// ClientName is the idempotency key: at most one record exists per name.
// Opened is always true for a stored record; its existence is the signal.
// Timestamp is set once at creation and kept in UTC.
type Record struct {
	ID         string    `json:"id"`
	ClientName string    `json:"client_name"`
	Opened     bool      `json:"opened"`
	Timestamp  time.Time `json:"timestamp"`
}

// Backend is the persistence interface every storage driver implements.
// Implementations must be safe for concurrent use; pooling is the driver's job.
//
// FindByClientName returns ErrNotFound when no record matches.
// Insert returns an error wrapping ErrDuplicate when a unique constraint on
// client_name rejects the write.
// List returns at most limit records in the store's natural order.
type Backend interface {
	Ping(ctx context.Context) error
	EnsureSchema(ctx context.Context) error
	FindByClientName(ctx context.Context, name string) (Record, error)
	Insert(ctx context.Context, rec Record) error
	List(ctx context.Context, limit int) ([]Record, error)
	DeleteAll(ctx context.Context) (int64, error)
	Close() error
}

// CanonicalTime normalizes a timestamp to the single representation used on
// the wire and in comparisons: UTC with microsecond precision.
func CanonicalTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// FormatTimestamp renders t as the ISO-8601 string stored by text-based backends.
func FormatTimestamp(t time.Time) string {
	return CanonicalTime(t).Format(time.RFC3339Nano)
}

// ParseTimestamp parses a stored ISO-8601 timestamp. Offsets such as "+00:00"
// are accepted and converted to UTC.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return CanonicalTime(t), nil
}
