package factory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/statusd/internal/store"
	"github.com/loykin/statusd/internal/store/dynamo"
	"github.com/loykin/statusd/internal/store/memory"
	"github.com/loykin/statusd/internal/store/mongo"
	pg "github.com/loykin/statusd/internal/store/postgres"
	sq "github.com/loykin/statusd/internal/store/sqlite"
)

// NewFromURL selects a store implementation based on the URL scheme.
// Supported:
//   - mongodb:  "mongodb://host[:port][/db]"
//   - postgres: "postgres://" or "postgresql://"
//   - sqlite:   "sqlite://<path>" or a bare filepath
//   - memory:   "memory://"
//   - dynamodb: "dynamodb://<region>[?endpoint=...]"
//
// Any other "<scheme>://" is rejected with store.ErrUnsupportedURL. Drivers
// that dial eagerly (mongodb) fail here when the server is unreachable.
func NewFromURL(ctx context.Context, rawURL string, opts store.Options) (store.Backend, error) {
	u := strings.TrimSpace(rawURL)
	lu := strings.ToLower(u)
	if u == "" {
		return nil, errors.New("empty store url")
	}
	switch {
	case strings.HasPrefix(lu, "mongodb+srv://"):
		return nil, fmt.Errorf("%w: mongodb+srv seed lists are not supported", store.ErrUnsupportedURL)
	case strings.HasPrefix(lu, "mongodb://"):
		return mongo.New(u, opts)
	case strings.HasPrefix(lu, "postgres://"), strings.HasPrefix(lu, "postgresql://"):
		return pg.New(u, opts)
	case strings.HasPrefix(lu, "sqlite://"):
		return sq.New(u[len("sqlite://"):], opts)
	case strings.HasPrefix(lu, "memory://"):
		return memory.New(opts), nil
	case strings.HasPrefix(lu, "dynamodb://"):
		return dynamo.New(ctx, u, opts)
	case strings.Contains(lu, "://"):
		scheme := u[:strings.Index(u, "://")]
		return nil, fmt.Errorf("%w: scheme %q", store.ErrUnsupportedURL, scheme)
	}
	// default to sqlite path
	return sq.New(u, opts)
}

// Scheme returns the backend name NewFromURL would pick for rawURL. It is
// used for logging and metrics labels and never echoes credentials.
func Scheme(rawURL string) string {
	lu := strings.ToLower(strings.TrimSpace(rawURL))
	switch {
	case strings.HasPrefix(lu, "mongodb"):
		return "mongodb"
	case strings.HasPrefix(lu, "postgres"):
		return "postgres"
	case strings.HasPrefix(lu, "memory://"):
		return "memory"
	case strings.HasPrefix(lu, "dynamodb://"):
		return "dynamodb"
	case strings.HasPrefix(lu, "sqlite://"), !strings.Contains(lu, "://") && lu != "":
		return "sqlite"
	}
	return "unknown"
}
