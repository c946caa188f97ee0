package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/statusd/internal/history"
)

// DefaultIndex receives events when the DSN names no index.
const DefaultIndex = "status-history"

// Options configures a Sink.
type Options struct {
	BaseURL  string
	Index    string
	Username string
	Password string
	Timeout  time.Duration // per request, default 5s
}

// Sink indexes events as documents through the OpenSearch REST API.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
	user    string
	pass    string
}

func New(opts Options) *Sink {
	if opts.Index == "" {
		opts.Index = DefaultIndex
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Sink{
		client:  &http.Client{Timeout: opts.Timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		index:   opts.Index,
		user:    opts.Username,
		pass:    opts.Password,
	}
}

// indexMapping keeps client_name and type as exact-match keywords.
const indexMapping = `{"mappings":{"properties":{
	"type":{"type":"keyword"},
	"occurred_at":{"type":"date"},
	"client_name":{"type":"keyword"},
	"record_id":{"type":"keyword"},
	"deleted_count":{"type":"long"}}}}`

// EnsureIndex creates the index with explicit mappings. An existing index is
// left untouched.
func (s *Sink) EnsureIndex(ctx context.Context) error {
	status, body, err := s.do(ctx, http.MethodPut, "/"+s.index, []byte(indexMapping))
	if err != nil {
		return err
	}
	if status < 300 || (status == http.StatusBadRequest && strings.Contains(body, "resource_already_exists_exception")) {
		return nil
	}
	return fmt.Errorf("opensearch create index %s: status %d: %s", s.index, status, body)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	status, body, err := s.do(ctx, http.MethodPost, "/"+s.index+"/_doc", b)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("opensearch sink status %d: %s", status, body)
	}
	return nil
}

func (s *Sink) do(ctx context.Context, method, path string, payload []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.user != "" {
		req.SetBasicAuth(s.user, s.pass)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return resp.StatusCode, strings.TrimSpace(string(msg)), nil
}

// Close releases idle connections.
func (s *Sink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
