package server

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/loykin/statusd/internal/config"
	"github.com/loykin/statusd/internal/metrics"
	stls "github.com/loykin/statusd/internal/tls"
)

// NewServer builds the API http.Server for cfg. TLS is configured when
// cfg.TLS is enabled. The server is not started.
func NewServer(cfg config.ServerConfig, h http.Handler) (*http.Server, error) {
	tlsCfg, err := stls.Server(cfg)
	if err != nil {
		return nil, err
	}
	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           h,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}, nil
}

// NewMetricsServer serves only /metrics on addr.
func NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Serve accepts connections on ln until the server is shut down. It returns
// nil after Shutdown or Close.
func Serve(srv *http.Server, ln net.Listener) error {
	var err error
	if srv.TLSConfig != nil {
		err = srv.ServeTLS(ln, "", "")
	} else {
		err = srv.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
