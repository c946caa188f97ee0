package statusd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/statusd/internal/config"
	"github.com/loykin/statusd/internal/connection"
	"github.com/loykin/statusd/internal/history"
	hfactory "github.com/loykin/statusd/internal/history/factory"
	"github.com/loykin/statusd/internal/metrics"
	"github.com/loykin/statusd/internal/repository"
	"github.com/loykin/statusd/internal/server"
	"github.com/loykin/statusd/internal/status"
	"github.com/loykin/statusd/internal/store"
	sfactory "github.com/loykin/statusd/internal/store/factory"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Record = store.Record

type OpenResult = status.OpenResult

type Health = status.Health

type HistorySink = history.Sink

type HistoryEvent = history.Event

// Opener opens a store backend for a URL. The default understands the
// mongodb, postgres, sqlite, dynamodb and memory schemes.
type Opener = connection.Opener

// LoadConfig reads a TOML file (optional), a dotenv file and the environment.
func LoadConfig(path, envFile string) (*Config, error) { return config.Load(path, envFile) }

// App wires the connection manager, repository, service and HTTP router for
// one store.
type App struct {
	cfg    *Config
	logger *slog.Logger
	conn   *connection.Manager
	svc    *status.Service
	events *history.Dispatcher
	router *server.Router

	mu         sync.Mutex
	apiSrv     *http.Server
	apiAddr    net.Addr
	metricsSrv *http.Server
	self       *metrics.SelfCollector
	serveErr   chan error

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option customizes an App.
type Option func(*appOptions)

type appOptions struct {
	logger   *slog.Logger
	opener   Opener
	sinks    []history.Named
	registry prometheus.Registerer
}

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(o *appOptions) { o.logger = l } }

// WithOpener replaces the URL-based backend factory.
func WithOpener(op Opener) Option { return func(o *appOptions) { o.opener = op } }

// WithHistorySink adds a sink next to the ones configured by DSN.
func WithHistorySink(name string, s HistorySink) Option {
	return func(o *appOptions) { o.sinks = append(o.sinks, history.Named{Name: name, Sink: s}) }
}

// WithRegisterer sets where metrics are registered when enabled; the default
// is prometheus.DefaultRegisterer.
func WithRegisterer(r prometheus.Registerer) Option { return func(o *appOptions) { o.registry = r } }

// New builds an App from cfg. The store is not contacted until Initialize or
// Start.
func New(cfg *Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("statusd: nil config")
	}
	o := appOptions{logger: slog.Default(), opener: sfactory.NewFromURL, registry: prometheus.DefaultRegisterer}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(o.registry); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	events, err := hfactory.NewDispatcher(o.logger, cfg.History.DSNs)
	if err != nil {
		return nil, err
	}
	if len(o.sinks) > 0 {
		events = events.With(o.sinks...)
	}

	conn := connection.New(o.opener, o.logger.With("component", "connection"))
	repo := repository.New(conn,
		repository.WithOpTimeout(cfg.Store.OpTimeout),
		repository.WithListCap(cfg.Store.ListLimit),
	)
	svc := status.New(conn, repo,
		status.WithHistory(events),
		status.WithLogger(o.logger.With("component", "status")),
		status.WithListCap(repo.ListCap()),
	)
	router := server.NewRouter(svc, cfg.Server.BasePath,
		server.WithLogger(o.logger.With("component", "http")),
		server.WithCORSOrigins(cfg.Server.CORSOrigins),
		server.WithMetricsEndpoint(cfg.Metrics.Enabled && cfg.Metrics.Listen == ""),
	)
	return &App{
		cfg:    cfg,
		logger: o.logger,
		conn:   conn,
		svc:    svc,
		events: events,
		router: router,
	}, nil
}

// Initialize connects to the store. It fails with a configuration or
// connectivity error; both are fatal at startup.
func (a *App) Initialize(ctx context.Context) error {
	return a.conn.Initialize(ctx, a.cfg.Connection())
}

// Handler returns the HTTP API for mounting in another server.
func (a *App) Handler() http.Handler { return a.router.Handler() }

// Service exposes the status operations for in-process callers.
func (a *App) Service() *status.Service { return a.svc }

// State reports the connection state.
func (a *App) State() connection.State { return a.conn.State() }

// Addr is the bound API address once Start returned, nil before.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.apiAddr
}

// Errors delivers a listener failure after Start. It is nil before Start.
func (a *App) Errors() <-chan error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.serveErr
}

// Start initializes the store when needed and begins serving the API (and
// the metrics listener when configured) in the background.
func (a *App) Start(ctx context.Context) error {
	if a.conn.State() != connection.StateReady {
		if err := a.Initialize(ctx); err != nil {
			return err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.apiSrv != nil {
		return errors.New("statusd: already started")
	}

	srv, err := server.NewServer(a.cfg.Server, a.router.Handler())
	if err != nil {
		return err
	}
	// bind every listener before serving so a failure leaves nothing running
	ln, err := net.Listen("tcp", a.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Listen, err)
	}
	var mln net.Listener
	if a.cfg.Metrics.Enabled && a.cfg.Metrics.Listen != "" {
		mln, err = net.Listen("tcp", a.cfg.Metrics.Listen)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("metrics listen %s: %w", a.cfg.Metrics.Listen, err)
		}
	}

	a.apiSrv, a.apiAddr = srv, ln.Addr()
	a.serveErr = make(chan error, 2)
	go a.serve("api", srv, ln)
	a.logger.Info("API listening", "addr", ln.Addr().String(), "base_path", a.cfg.Server.BasePath, "tls", srv.TLSConfig != nil)

	if mln != nil {
		a.metricsSrv = server.NewMetricsServer(a.cfg.Metrics.Listen)
		go a.serve("metrics", a.metricsSrv, mln)
		a.logger.Info("metrics listening", "addr", mln.Addr().String())
	}
	if a.cfg.Metrics.Enabled && a.cfg.Metrics.SelfInterval > 0 {
		sc, err := metrics.NewSelfCollector(a.cfg.Metrics.SelfInterval)
		if err != nil {
			a.logger.Warn("process usage metrics disabled", "error", err)
		} else {
			sc.Start(context.WithoutCancel(ctx))
			a.self = sc
		}
	}
	return nil
}

func (a *App) serve(name string, srv *http.Server, ln net.Listener) {
	if err := server.Serve(srv, ln); err != nil {
		a.logger.Error("listener stopped", "listener", name, "error", err)
		a.serveErr <- fmt.Errorf("%s listener: %w", name, err)
	}
}

// Run starts the App and blocks until ctx is done or a listener fails, then
// shuts down.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		_ = a.Shutdown(context.Background())
		return err
	}
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-a.Errors():
	}
	return errors.Join(runErr, a.Shutdown(context.Background()))
}

// Shutdown stops accepting requests, waits for in-flight ones within the
// configured shutdown timeout, then closes the store and the history sinks.
// Later calls return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() { a.shutdownErr = a.shutdown(ctx) })
	return a.shutdownErr
}

func (a *App) shutdown(ctx context.Context) error {
	start := time.Now()
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	a.mu.Lock()
	apiSrv, metricsSrv, self := a.apiSrv, a.metricsSrv, a.self
	a.mu.Unlock()

	var errs []error
	if apiSrv != nil {
		if err := apiSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api shutdown: %w", err))
		}
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
	}
	if self != nil {
		self.Stop()
	}
	if err := a.conn.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if err := a.events.Close(); err != nil {
		errs = append(errs, fmt.Errorf("history: %w", err))
	}
	a.logger.Info("shutdown complete", "took", time.Since(start).Round(time.Millisecond))
	return errors.Join(errs...)
}
