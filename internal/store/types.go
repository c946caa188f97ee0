package store

import (
	"errors"
	"fmt"
	"time"
)

// DefaultCollection is the table/collection holding status records.
const DefaultCollection = "status_checks"

// Options carries backend-independent settings resolved from configuration.
//
// Database is the logical database name. Its meaning depends on the driver:
// MongoDB database, PostgreSQL schema, DynamoDB table prefix. SQLite and the
// in-memory store ignore it because the URL already names the database.
type Options struct {
	Database         string
	Collection       string
	UniqueClientName bool
	ConnectTimeout   time.Duration
}

// CollectionName returns the configured collection or DefaultCollection.
func (o Options) CollectionName() string {
	if o.Collection == "" {
		return DefaultCollection
	}
	return o.Collection
}

// ValidIdentifier reports whether s can be used unquoted as a table,
// collection or schema name: [A-Za-z_][A-Za-z0-9_]*, at most 63 bytes.
func ValidIdentifier(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

var (
	// ErrNotFound is returned by FindByClientName when no record matches.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned by Insert when the client name already exists
	// and the backend enforces uniqueness.
	ErrDuplicate = errors.New("duplicate client name")
	// ErrUnsupportedURL is returned by the factory for unknown URL schemes.
	ErrUnsupportedURL = errors.New("unsupported store url")
)

// StorageError reports a failed operation against a live store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
