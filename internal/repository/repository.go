package repository

import (
	"context"
	"errors"
	"time"

	"github.com/loykin/statusd/internal/connection"
	"github.com/loykin/statusd/internal/metrics"
	"github.com/loykin/statusd/internal/store"
)

const (
	// MaxList caps how many records a single listing returns.
	MaxList = 1000
	// DefaultOpTimeout bounds each store call when no timeout is configured.
	DefaultOpTimeout = 5 * time.Second
)

// HandleProvider is the part of connection.Manager the repository needs.
type HandleProvider interface {
	Handle() (store.Backend, error)
}

// Repository performs status record operations against the live handle.
// It holds no state of its own beyond its settings.
type Repository struct {
	conn      HandleProvider
	opTimeout time.Duration
	listCap   int
}

// Option customizes a Repository.
type Option func(*Repository)

// WithOpTimeout sets the per-operation deadline.
func WithOpTimeout(d time.Duration) Option {
	return func(r *Repository) {
		if d > 0 {
			r.opTimeout = d
		}
	}
}

// WithListCap lowers the listing cap. Values outside (0, MaxList] are ignored.
func WithListCap(n int) Option {
	return func(r *Repository) {
		if n > 0 && n <= MaxList {
			r.listCap = n
		}
	}
}

// New returns a Repository bound to conn.
func New(conn HandleProvider, opts ...Option) *Repository {
	r := &Repository{conn: conn, opTimeout: DefaultOpTimeout, listCap: MaxList}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ListCap returns the effective listing cap.
func (r *Repository) ListCap() int { return r.listCap }

func (r *Repository) handle(ctx context.Context) (store.Backend, context.Context, context.CancelFunc, error) {
	h, err := r.conn.Handle()
	if err != nil {
		return nil, nil, nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	return h, cctx, cancel, nil
}

func wrap(op string, err error) error {
	metrics.IncStoreError(op)
	return &store.StorageError{Op: op, Err: err}
}

// FindByClientName returns the record for name, or nil when none exists.
func (r *Repository) FindByClientName(ctx context.Context, name string) (*store.Record, error) {
	h, cctx, cancel, err := r.handle(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	rec, err := h.FindByClientName(cctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("find", err)
	}
	return &rec, nil
}

// Insert persists rec. A unique-constraint rejection still matches
// store.ErrDuplicate through the returned *store.StorageError.
func (r *Repository) Insert(ctx context.Context, rec store.Record) error {
	h, cctx, cancel, err := r.handle(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	if err := h.Insert(cctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return &store.StorageError{Op: "insert", Err: err}
		}
		return wrap("insert", err)
	}
	return nil
}

// ListAll returns up to limit records in the store's natural order. A limit
// that is not positive or exceeds the cap is clamped to the cap.
func (r *Repository) ListAll(ctx context.Context, limit int) ([]store.Record, error) {
	if limit <= 0 || limit > r.listCap {
		limit = r.listCap
	}
	h, cctx, cancel, err := r.handle(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	recs, err := h.List(cctx, limit)
	if err != nil {
		return nil, wrap("list", err)
	}
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// DeleteAll removes every record and returns how many were removed.
func (r *Repository) DeleteAll(ctx context.Context) (int64, error) {
	h, cctx, cancel, err := r.handle(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	n, err := h.DeleteAll(cctx)
	if err != nil {
		return 0, wrap("delete_all", err)
	}
	return n, nil
}

var _ HandleProvider = (*connection.Manager)(nil)
