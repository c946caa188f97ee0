package connection

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/statusd/internal/metrics"
	"github.com/loykin/statusd/internal/store"
)

const (
	// DefaultProbeTimeout bounds a liveness probe when Config.ProbeTimeout is zero.
	DefaultProbeTimeout = 2 * time.Second
	// DefaultConnectTimeout bounds open, probe and provisioning together when
	// Config.ConnectTimeout is zero.
	DefaultConnectTimeout = 10 * time.Second
)

// State is the lifecycle state of the Manager.
type State int32

const (
	StateUnconfigured State = iota
	StateConnecting
	StateReady
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config describes the store to connect to.
type Config struct {
	URL              string
	Database         string
	Collection       string
	UniqueClientName bool
	ConnectTimeout   time.Duration
	ProbeTimeout     time.Duration
}

// Opener builds a backend handle. factory.NewFromURL is the production opener.
type Opener func(ctx context.Context, url string, opts store.Options) (store.Backend, error)

// Manager owns the store handle and its lifecycle.
//
// State Machine:
// Unconfigured -> Connecting -> Ready -> Closed
// Connecting -> Failed -> Connecting (retry)
//
// Request paths only take the read lock. The handle is published together
// with the Ready state, so a reader never sees one without the other.
type Manager struct {
	mu           sync.RWMutex
	state        State
	handle       store.Backend
	lastErr      error
	probeTimeout time.Duration
	opener       Opener
	logger       *slog.Logger
}

// New returns a Manager in the Unconfigured state. A nil logger means slog.Default().
func New(opener Opener, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{opener: opener, logger: logger, probeTimeout: DefaultProbeTimeout}
	metrics.SetCurrentState(StateUnconfigured.String(), true)
	return m
}

// Initialize validates cfg, opens the store, probes it and provisions the
// collection within cfg.ConnectTimeout. On any store failure the partial
// handle is closed, the state becomes Failed and a *ConnectivityError is
// returned. A Ready or Connecting manager returns ErrAlreadyInitialized and a
// Closed one ErrClosed, whatever cfg holds.
func (m *Manager) Initialize(ctx context.Context, cfg Config) error {
	url := strings.TrimSpace(cfg.URL)
	database := strings.TrimSpace(cfg.Database)

	m.mu.Lock()
	prev := m.state
	switch prev {
	case StateConnecting, StateReady:
		m.mu.Unlock()
		return ErrAlreadyInitialized
	case StateClosed:
		m.mu.Unlock()
		return ErrClosed
	}
	var cerr *ConfigurationError
	switch {
	case url == "":
		cerr = &ConfigurationError{Field: "url"}
	case database == "":
		cerr = &ConfigurationError{Field: "database"}
	}
	if cerr != nil {
		m.lastErr = cerr
		m.mu.Unlock()
		m.logger.Error("connection configuration rejected", "error", cerr)
		return cerr
	}
	if cfg.ProbeTimeout > 0 {
		m.probeTimeout = cfg.ProbeTimeout
	}
	// claim Connecting under the same lock so a concurrent Initialize backs off
	m.state = StateConnecting
	m.lastErr = nil
	m.mu.Unlock()
	m.recordTransition(prev, StateConnecting, nil)

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := store.Options{
		Database:         database,
		Collection:       cfg.Collection,
		UniqueClientName: cfg.UniqueClientName,
		ConnectTimeout:   timeout,
	}
	handle, err := m.opener(cctx, url, opts)
	if err != nil {
		if errors.Is(err, store.ErrUnsupportedURL) {
			cerr := &ConfigurationError{Field: "url", Err: err}
			m.setState(prev, cerr)
			return cerr
		}
		return m.fail("open", err, nil)
	}
	if err := m.ping(cctx, handle); err != nil {
		return m.fail("probe", err, handle)
	}
	if err := handle.EnsureSchema(cctx); err != nil {
		return m.fail("provision", err, handle)
	}

	m.mu.Lock()
	m.handle = handle
	m.state = StateReady
	m.lastErr = nil
	m.mu.Unlock()
	m.recordTransition(StateConnecting, StateReady, nil)
	return nil
}

func (m *Manager) fail(phase string, cause error, partial store.Backend) error {
	if partial != nil {
		if cerr := partial.Close(); cerr != nil {
			m.logger.Warn("closing partial store handle", "error", cerr)
		}
	}
	err := &ConnectivityError{Phase: phase, Err: cause}
	m.setState(StateFailed, err)
	return err
}

func (m *Manager) ping(ctx context.Context, b store.Backend) error {
	m.mu.RLock()
	timeout := m.probeTimeout
	m.mu.RUnlock()
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return b.Ping(pctx)
}

// Probe reports whether the store answers a ping. It never changes state.
func (m *Manager) Probe(ctx context.Context) error {
	h, err := m.Handle()
	if err != nil {
		return err
	}
	return m.ping(ctx, h)
}

// Handle returns the live store handle or ErrNotReady.
func (m *Manager) Handle() (store.Backend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateReady || m.handle == nil {
		return nil, ErrNotReady
	}
	return m.handle, nil
}

// Shutdown closes the handle when Ready and moves to Closed. It is a no-op
// in any other state and safe to call more than once.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.state != StateReady {
		m.mu.Unlock()
		return nil
	}
	h := m.handle
	m.handle = nil
	m.mu.Unlock()

	err := h.Close()
	m.setState(StateClosed, err)
	return err
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// LastError returns the error recorded by the most recent transition, if any.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// setState safely updates state (minimal lock scope)
func (m *Manager) setState(newState State, cause error) {
	m.mu.Lock()
	oldState := m.state
	m.state = newState
	m.lastErr = cause
	m.mu.Unlock()
	m.recordTransition(oldState, newState, cause)
}

func (m *Manager) recordTransition(oldState, newState State, cause error) {
	if oldState != newState {
		metrics.RecordStateTransition(oldState.String(), newState.String())
		metrics.SetCurrentState(oldState.String(), false)
		metrics.SetCurrentState(newState.String(), true)
	}
	if cause != nil {
		m.logger.Error("connection state changed", "from", oldState.String(), "to", newState.String(), "error", cause)
		return
	}
	m.logger.Info("connection state changed", "from", oldState.String(), "to", newState.String())
}
