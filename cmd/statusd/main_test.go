package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/statusd/internal/connection"
)

func execRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHelpListsCommands(t *testing.T) {
	out, err := execRoot(t, "--help")
	if err != nil {
		t.Fatalf("help should succeed: %v", err)
	}
	for _, want := range []string{"statusd", "serve", "open", "list", "reset", "health"} {
		if !strings.Contains(out, want) {
			t.Fatalf("help output missing %q:\n%s", want, out)
		}
	}
}

func TestOpenRequiresName(t *testing.T) {
	_, err := execRoot(t, "open")
	if err == nil || !strings.Contains(err.Error(), "name") {
		t.Fatalf("expected required flag error, got %v", err)
	}
}

func TestResetWithoutYesViaCLI(t *testing.T) {
	_, err := execRoot(t, "reset", "--api-url", "http://127.0.0.1:1/api")
	if !errors.Is(err, errResetNotConfirmed) {
		t.Fatalf("expected confirmation error, got %v", err)
	}
}

func TestOpenViaCLI(t *testing.T) {
	url := startAPI(t)
	out, err := execRoot(t, "open", "--name", "carol", "--api-url", url)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !strings.Contains(out, `"client_name": "carol"`) {
		t.Fatalf("unexpected output: %s", out)
	}
}

func clearStoreEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"MONGO_URL", "DB_NAME", "PORT", "CORS_ORIGINS", "STATUSD_STORE_URL", "STATUSD_STORE_DATABASE", "STATUSD_SERVER_LISTEN", "STATUSD_METRICS_ENABLED"} {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "statusd.toml")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestServeFailsWithoutStoreURL(t *testing.T) {
	clearStoreEnv(t)
	path := writeConfig(t, `
[store]
database = "surprise"

[metrics]
enabled = false
`)
	err := runServe(context.Background(), ServeFlags{ConfigPath: path, Listen: "127.0.0.1:0"})
	var cerr *connection.ConfigurationError
	if !errors.As(err, &cerr) || cerr.Field != "url" {
		t.Fatalf("expected url configuration error, got %v", err)
	}
}

func TestServeMissingEnvFile(t *testing.T) {
	clearStoreEnv(t)
	err := runServe(context.Background(), ServeFlags{EnvFile: filepath.Join(t.TempDir(), "nope.env")})
	if err == nil || !strings.Contains(err.Error(), "error loading config") {
		t.Fatalf("expected config load error, got %v", err)
	}
}

func TestServeRunsUntilCanceled(t *testing.T) {
	clearStoreEnv(t)
	path := writeConfig(t, `
[store]
url = "memory://"
database = "surprise"

[metrics]
enabled = false
`)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, ServeFlags{ConfigPath: path, Listen: "127.0.0.1:0"}) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve should stop cleanly, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after the context ended")
	}
}
