package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/loykin/statusd/internal/store"
)

// ErrOffline is returned by every operation while the store is marked offline.
var ErrOffline = errors.New("memory store offline")

// DB is an in-process store.Backend. Records keep insertion order.
// SetOffline simulates an unreachable backing store without losing data.
type DB struct {
	mu      sync.RWMutex
	records []store.Record
	unique  bool
	offline bool
	closed  bool
}

// New returns an empty in-memory store.
func New(opts store.Options) *DB {
	return &DB{unique: opts.UniqueClientName}
}

// SetOffline toggles simulated unreachability.
func (d *DB) SetOffline(offline bool) {
	d.mu.Lock()
	d.offline = offline
	d.mu.Unlock()
}

func (d *DB) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.closed {
		return errors.New("memory store closed")
	}
	if d.offline {
		return ErrOffline
	}
	return nil
}

func (d *DB) Ping(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.check(ctx)
}

func (d *DB) EnsureSchema(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.check(ctx)
}

func (d *DB) FindByClientName(ctx context.Context, name string) (store.Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.check(ctx); err != nil {
		return store.Record{}, err
	}
	for _, r := range d.records {
		if r.ClientName == name {
			return r, nil
		}
	}
	return store.Record{}, store.ErrNotFound
}

func (d *DB) Insert(ctx context.Context, rec store.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return err
	}
	if d.unique {
		for _, r := range d.records {
			if r.ClientName == rec.ClientName {
				return store.ErrDuplicate
			}
		}
	}
	d.records = append(d.records, rec)
	return nil
}

func (d *DB) List(ctx context.Context, limit int) ([]store.Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	n := len(d.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]store.Record, n)
	copy(out, d.records[:n])
	return out, nil
}

func (d *DB) DeleteAll(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return 0, err
	}
	n := int64(len(d.records))
	d.records = nil
	return n, nil
}

func (d *DB) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}
