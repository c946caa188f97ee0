package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/statusd/internal/metrics"
	"github.com/loykin/statusd/internal/status"
	"github.com/loykin/statusd/internal/store"
)

// StatusService is the part of status.Service the router exposes.
type StatusService interface {
	OpenStatus(ctx context.Context, clientName string) (status.OpenResult, error)
	ListStatuses(ctx context.Context) ([]store.Record, error)
	ResetAll(ctx context.Context) (int64, error)
	HealthCheck(ctx context.Context) status.Health
}

var _ StatusService = (*status.Service)(nil)

// Router provides embeddable HTTP handlers for the status API.
// Endpoints:
//
//	GET    {basePath}/              greeting
//	GET    {basePath}/health        store reachability
//	POST   {basePath}/status        body: {"client_name": "..."}
//	GET    {basePath}/status        every record, capped
//	DELETE {basePath}/status/reset  delete every record
//	GET    /metrics                 when enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	svc      StatusService
	basePath string
	cors     *corsPolicy
	logger   *slog.Logger
	metrics  bool
}

// Option customizes a Router.
type Option func(*Router)

// WithLogger sets the access and error logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithCORSOrigins sets the allowed origins; "*" allows any.
func WithCORSOrigins(origins []string) Option {
	return func(r *Router) { r.cors = newCORSPolicy(origins) }
}

// WithMetricsEndpoint mounts the Prometheus handler at /metrics.
func WithMetricsEndpoint(enabled bool) Option {
	return func(r *Router) { r.metrics = enabled }
}

// NewRouter constructs a Router over svc.
// Example basePath: "/api" results in /api/status, /api/health.
func NewRouter(svc StatusService, basePath string, opts ...Option) *Router {
	r := &Router{
		svc:      svc,
		basePath: sanitizeBase(basePath),
		cors:     newCORSPolicy([]string{"*"}),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(accessLog(r.logger), instrument(), gin.Recovery(), r.cors.middleware())
	group := g.Group(r.basePath)
	group.GET("/", r.handleRoot)
	group.GET("/health", r.handleHealth)
	group.POST("/status", r.handleOpen)
	group.GET("/status", r.handleList)
	group.DELETE("/status/reset", r.handleReset)
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type messageResp struct {
	Message string `json:"message"`
}

type healthResp struct {
	Status status.Health `json:"status"`
}

type openReq struct {
	ClientName      *string `json:"client_name"`
	ClientNameCamel *string `json:"clientName"`
}

type openResp struct {
	AlreadyOpened bool         `json:"already_opened"`
	Message       string       `json:"message"`
	Data          store.Record `json:"data"`
}

type resetResp struct {
	Message      string `json:"message"`
	DeletedCount int64  `json:"deleted_count"`
}

func (r *Router) handleRoot(c *gin.Context) {
	writeJSON(c, http.StatusOK, messageResp{Message: "Hello World"})
}

func (r *Router) handleHealth(c *gin.Context) {
	h := r.svc.HealthCheck(c.Request.Context())
	code := http.StatusOK
	if h != status.HealthOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, healthResp{Status: h})
}

func (r *Router) handleOpen(c *gin.Context) {
	var req openReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON body"})
		return
	}
	var name string
	switch {
	case req.ClientName != nil:
		name = *req.ClientName
	case req.ClientNameCamel != nil:
		name = *req.ClientNameCamel
	default:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "client_name required"})
		return
	}

	res, err := r.svc.OpenStatus(c.Request.Context(), name)
	if err != nil {
		r.writeError(c, err)
		return
	}
	msg := fmt.Sprintf("Surprise opened for %s", res.Record.ClientName)
	if res.AlreadyOpened {
		msg = fmt.Sprintf("%s has already opened the surprise", res.Record.ClientName)
	}
	writeJSON(c, http.StatusOK, openResp{AlreadyOpened: res.AlreadyOpened, Message: msg, Data: res.Record})
}

func (r *Router) handleList(c *gin.Context) {
	recs, err := r.svc.ListStatuses(c.Request.Context())
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, recs)
}

func (r *Router) handleReset(c *gin.Context) {
	n, err := r.svc.ResetAll(c.Request.Context())
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, resetResp{Message: "Surprise reset successfully", DeletedCount: n})
}

// writeError maps service errors to status codes. Bodies stay generic; the
// detail is logged.
func (r *Router) writeError(c *gin.Context, err error) {
	code, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, status.ErrInvalidClientName):
		code, msg = http.StatusBadRequest, fmt.Sprintf("client_name must be 1 to %d bytes after trimming", status.MaxClientNameLen)
	case errors.Is(err, status.ErrConflict):
		code, msg = http.StatusConflict, "concurrent open in progress, retry"
	case errors.Is(err, status.ErrUnavailable):
		code, msg = http.StatusServiceUnavailable, "service unavailable"
	}
	if code >= http.StatusInternalServerError {
		r.logger.Error("request failed", "route", routeLabel(c), "error", err)
	}
	writeJSON(c, code, errorResp{Error: msg})
}
