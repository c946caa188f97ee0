package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/statusd/internal/history"
	"github.com/loykin/statusd/internal/metrics"
	"github.com/loykin/statusd/internal/store"
)

// MaxClientNameLen is the longest accepted client name in bytes.
const MaxClientNameLen = 256

var (
	// ErrUnavailable means the store is not ready or an operation on it failed.
	ErrUnavailable = errors.New("service unavailable")
	// ErrConflict means a concurrent open won the insert but its record could
	// not be read back.
	ErrConflict = errors.New("conflicting concurrent open")
	// ErrInvalidClientName rejects empty or oversized client names.
	ErrInvalidClientName = errors.New("invalid client name")
)

// Health is the outcome of a health check.
type Health string

const (
	HealthOK          Health = "ok"
	HealthUnavailable Health = "unavailable"
)

// OpenResult is returned by OpenStatus.
type OpenResult struct {
	AlreadyOpened bool
	Record        store.Record
}

// Connection is the part of connection.Manager the service reads.
type Connection interface {
	Handle() (store.Backend, error)
	Probe(ctx context.Context) error
}

// Repository is the record access the service orchestrates.
type Repository interface {
	FindByClientName(ctx context.Context, name string) (*store.Record, error)
	Insert(ctx context.Context, rec store.Record) error
	ListAll(ctx context.Context, limit int) ([]store.Record, error)
	DeleteAll(ctx context.Context) (int64, error)
}

// Service implements idempotent open semantics plus list, reset and health.
type Service struct {
	conn    Connection
	repo    Repository
	events  *history.Dispatcher
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
	listCap int
}

// Option customizes a Service.
type Option func(*Service)

// WithHistory sends opened and reset events to d.
func WithHistory(d *history.Dispatcher) Option { return func(s *Service) { s.events = d } }

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithIDGenerator overrides record id generation.
func WithIDGenerator(f func() string) Option { return func(s *Service) { s.newID = f } }

// WithListCap sets how many records ListStatuses asks for.
func WithListCap(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.listCap = n
		}
	}
}

// New returns a Service over conn and repo.
func New(conn Connection, repo Repository, opts ...Option) *Service {
	s := &Service{
		conn:    conn,
		repo:    repo,
		logger:  slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
		listCap: 1000,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) ready() bool {
	_, err := s.conn.Handle()
	return err == nil
}

func (s *Service) unavailable(op string, err error) error {
	s.logger.Error("status operation failed", "op", op, "error", err)
	return fmt.Errorf("%s: %w", op, ErrUnavailable)
}

// OpenStatus records that clientName opened the surprise, once. A repeat call
// returns the original record with AlreadyOpened set and writes nothing.
func (s *Service) OpenStatus(ctx context.Context, clientName string) (OpenResult, error) {
	name := strings.TrimSpace(clientName)
	if name == "" || len(name) > MaxClientNameLen {
		metrics.IncOpen("invalid")
		return OpenResult{}, fmt.Errorf("%w: must be 1..%d bytes", ErrInvalidClientName, MaxClientNameLen)
	}
	if !s.ready() {
		metrics.IncOpen("unavailable")
		return OpenResult{}, fmt.Errorf("open: %w", ErrUnavailable)
	}

	existing, err := s.repo.FindByClientName(ctx, name)
	if err != nil {
		metrics.IncOpen("unavailable")
		return OpenResult{}, s.unavailable("open", err)
	}
	if existing != nil {
		metrics.IncOpen("existing")
		return OpenResult{AlreadyOpened: true, Record: normalize(*existing)}, nil
	}

	rec := store.Record{
		ID:         s.newID(),
		ClientName: name,
		Opened:     true,
		Timestamp:  store.CanonicalTime(s.now()),
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return s.resolveDuplicate(ctx, name)
		}
		metrics.IncOpen("unavailable")
		return OpenResult{}, s.unavailable("open", err)
	}

	metrics.IncOpen("created")
	s.logger.Info("surprise opened", "client_name", name, "id", rec.ID)
	s.events.Emit(ctx, history.Event{Type: history.EventOpened, OccurredAt: rec.Timestamp, ClientName: name, RecordID: rec.ID})
	return OpenResult{Record: rec}, nil
}

// resolveDuplicate handles an insert that lost a race to a concurrent open.
func (s *Service) resolveDuplicate(ctx context.Context, name string) (OpenResult, error) {
	existing, err := s.repo.FindByClientName(ctx, name)
	if err != nil {
		metrics.IncOpen("unavailable")
		return OpenResult{}, s.unavailable("open", err)
	}
	if existing == nil {
		metrics.IncOpen("conflict")
		s.logger.Warn("duplicate insert but no record found", "client_name", name)
		return OpenResult{}, fmt.Errorf("open %q: %w", name, ErrConflict)
	}
	metrics.IncOpen("existing")
	return OpenResult{AlreadyOpened: true, Record: normalize(*existing)}, nil
}

// ListStatuses returns up to the listing cap of records. The slice is never nil.
func (s *Service) ListStatuses(ctx context.Context) ([]store.Record, error) {
	if !s.ready() {
		return nil, fmt.Errorf("list: %w", ErrUnavailable)
	}
	recs, err := s.repo.ListAll(ctx, s.listCap)
	if err != nil {
		return nil, s.unavailable("list", err)
	}
	out := make([]store.Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, normalize(r))
	}
	return out, nil
}

// ResetAll deletes every record and returns how many were removed.
func (s *Service) ResetAll(ctx context.Context) (int64, error) {
	if !s.ready() {
		return 0, fmt.Errorf("reset: %w", ErrUnavailable)
	}
	n, err := s.repo.DeleteAll(ctx)
	if err != nil {
		return 0, s.unavailable("reset", err)
	}
	metrics.AddReset(n)
	s.logger.Info("surprise reset", "deleted_count", n)
	s.events.Emit(ctx, history.Event{Type: history.EventReset, OccurredAt: s.now().UTC(), DeletedCount: n})
	return n, nil
}

// HealthCheck probes the store without changing any state.
func (s *Service) HealthCheck(ctx context.Context) Health {
	if err := s.conn.Probe(ctx); err != nil {
		metrics.IncHealthProbe(string(HealthUnavailable))
		s.logger.Debug("health probe failed", "error", err)
		return HealthUnavailable
	}
	metrics.IncHealthProbe(string(HealthOK))
	return HealthOK
}

func normalize(r store.Record) store.Record {
	r.Timestamp = store.CanonicalTime(r.Timestamp)
	return r
}
