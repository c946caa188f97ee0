package statusd

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/statusd/internal/config"
	"github.com/loykin/statusd/internal/connection"
)

func testConfig() *Config {
	return &Config{
		Store: config.StoreConfig{
			URL:              "memory://",
			Database:         "surprise",
			Collection:       config.DefaultCollection,
			ProbeTimeout:     time.Second,
			OpTimeout:        time.Second,
			ListLimit:        config.DefaultListLimit,
			UniqueClientName: true,
		},
		Server: config.ServerConfig{
			Listen:          "127.0.0.1:0",
			BasePath:        "/api",
			CORSOrigins:     []string{"*"},
			ShutdownTimeout: 2 * time.Second,
		},
		Metrics: config.MetricsConfig{Enabled: true},
	}
}

type captureSink struct {
	mu     sync.Mutex
	events []HistoryEvent
	closed bool
}

func (c *captureSink) Send(_ context.Context, e HistoryEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureSink) Close() error {
	c.closed = true
	return nil
}

func TestAppStartServeShutdown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sink := &captureSink{}
	app, err := New(testConfig(), WithRegisterer(prometheus.NewRegistry()), WithHistorySink("capture", sink))
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	assert.Equal(t, connection.StateReady, app.State())

	base := "http://" + app.Addr().String() + "/api"
	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ := json.Marshal(map[string]string{"client_name": "Alice"})
	resp, err = http.Post(base+"/status", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var out struct {
		AlreadyOpened bool   `json:"already_opened"`
		Message       string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	_ = resp.Body.Close()
	assert.False(t, out.AlreadyOpened)
	assert.Equal(t, "Surprise opened for Alice", out.Message)

	resp, err = http.Get("http://" + app.Addr().String() + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, app.Shutdown(context.Background()))
	assert.Equal(t, connection.StateClosed, app.State())
	assert.True(t, sink.closed)
	require.Len(t, sink.events, 1)
	assert.Equal(t, "Alice", sink.events[0].ClientName)
	assert.NoError(t, app.Shutdown(context.Background()), "second shutdown is a no-op")

	_, err = http.Get(base + "/health")
	assert.Error(t, err, "listener should be closed")
}

// freeAddr returns a loopback address nothing listens on.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestAppStartMetricsListenFailureLeavesNothingServing(t *testing.T) {
	gin.SetMode(gin.TestMode)
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Server.Listen = freeAddr(t)
	cfg.Metrics.Listen = busy.Addr().String()
	app, err := New(cfg, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	err = app.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics listen")
	assert.Nil(t, app.Addr())
	assert.Nil(t, app.Errors())

	// the API address was released
	ln, err := net.Listen("tcp", cfg.Server.Listen)
	require.NoError(t, err, "API listener still bound after failed Start")
	require.NoError(t, ln.Close())

	require.NoError(t, busy.Close())
	require.NoError(t, app.Start(context.Background()), "Start must be retryable")
	resp, err := http.Get("http://" + app.Addr().String() + "/api/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, err = http.Get("http://" + cfg.Metrics.Listen + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAppStartConfigurationError(t *testing.T) {
	cfg := testConfig()
	cfg.Store.URL = ""
	app, err := New(cfg, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)

	err = app.Start(context.Background())
	var cerr *connection.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "url", cerr.Field)
	assert.Nil(t, app.Addr())
	assert.Equal(t, connection.StateUnconfigured, app.State())
}

func TestAppStartUnsupportedScheme(t *testing.T) {
	cfg := testConfig()
	cfg.Store.URL = "redis://localhost:6379"
	app, err := New(cfg, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)

	var cerr *connection.ConfigurationError
	assert.ErrorAs(t, app.Start(context.Background()), &cerr)
}

func TestAppHandlerEmbedding(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig()
	cfg.Metrics.Enabled = false
	app, err := New(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(app.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "unavailable until initialized")

	require.NoError(t, app.Initialize(context.Background()))
	resp, err = http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	res, err := app.Service().OpenStatus(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", res.Record.ClientName)
	require.NoError(t, app.Shutdown(context.Background()))
}

func TestAppRunStopsOnCancel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	app, err := New(testConfig(), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool { return app.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, connection.StateClosed, app.State())
}

func TestNewRejectsBadHistoryDSN(t *testing.T) {
	cfg := testConfig()
	cfg.History.DSNs = []string{"kafka://broker:9092"}
	_, err := New(cfg, WithRegisterer(prometheus.NewRegistry()))
	assert.Error(t, err)
	_, err = New(nil)
	assert.Error(t, err)
}
