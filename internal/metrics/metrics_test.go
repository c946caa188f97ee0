package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// freshRegistry resets the registration flag and registers into a new
// registry so counts start from what the test records.
func freshRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	regOK.Store(false)
	statusOpens.Reset()
	storeErrors.Reset()
	connectionState.Reset()
	connectionTransitions.Reset()
	healthProbes.Reset()
	httpRequests.Reset()
	httpDuration.Reset()
	historySendErrors.Reset()
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	t.Cleanup(func() { regOK.Store(false) })
	return reg
}

func TestRegisterIsIdempotent(t *testing.T) {
	reg := freshRegistry(t)
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}
	if err := Register(prometheus.NewRegistry()); err != nil {
		t.Fatalf("register after success must be a no-op: %v", err)
	}
}

func TestRegisterTwiceOnSameRegistryAfterReset(t *testing.T) {
	reg := freshRegistry(t)
	regOK.Store(false)
	if err := Register(reg); err != nil {
		t.Fatalf("AlreadyRegisteredError should be ignored: %v", err)
	}
}

func TestHelpersRecord(t *testing.T) {
	_ = freshRegistry(t)

	IncOpen("created")
	IncOpen("created")
	IncOpen("existing")
	before := testutil.ToFloat64(deletedRecords)
	resetsBefore := testutil.ToFloat64(statusResets)
	AddReset(3)
	IncStoreError("insert")
	RecordStateTransition("connecting", "ready")
	SetCurrentState("ready", true)
	SetCurrentState("connecting", false)
	IncHealthProbe("unavailable")
	ObserveHTTP("GET", "/api/status", "200", 15*time.Millisecond)
	IncHistoryError("clickhouse")

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"opens created", testutil.ToFloat64(statusOpens.WithLabelValues("created")), 2},
		{"opens existing", testutil.ToFloat64(statusOpens.WithLabelValues("existing")), 1},
		{"deleted records", testutil.ToFloat64(deletedRecords) - before, 3},
		{"resets", testutil.ToFloat64(statusResets) - resetsBefore, 1},
		{"store errors", testutil.ToFloat64(storeErrors.WithLabelValues("insert")), 1},
		{"transitions", testutil.ToFloat64(connectionTransitions.WithLabelValues("connecting", "ready")), 1},
		{"state ready", testutil.ToFloat64(connectionState.WithLabelValues("ready")), 1},
		{"state connecting", testutil.ToFloat64(connectionState.WithLabelValues("connecting")), 0},
		{"health", testutil.ToFloat64(healthProbes.WithLabelValues("unavailable")), 1},
		{"http", testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/status", "200")), 1},
		{"history", testutil.ToFloat64(historySendErrors.WithLabelValues("clickhouse")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if n := testutil.CollectAndCount(httpDuration); n != 1 {
		t.Errorf("expected one latency series, got %d", n)
	}
}

func TestHelpersNoopBeforeRegister(t *testing.T) {
	_ = freshRegistry(t)
	regOK.Store(false)

	IncOpen("created")
	IncStoreError("find")
	ObserveHTTP("GET", "/", "200", time.Millisecond)
	RecordStateTransition("unconfigured", "connecting")

	if n := testutil.CollectAndCount(statusOpens); n != 0 {
		t.Fatalf("open counter recorded before Register: %d series", n)
	}
	if n := testutil.CollectAndCount(httpRequests); n != 0 {
		t.Fatalf("http counter recorded before Register: %d series", n)
	}
}

func TestHandlerServesRegisteredRegistry(t *testing.T) {
	_ = freshRegistry(t)
	IncOpen("created")

	srv := httptest.NewServer(Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `statusd_status_opens_total{result="created"} 1`) {
		t.Fatalf("metrics output missing opens_total:\n%s", body)
	}
}

func TestConcurrentIncrements(t *testing.T) {
	_ = freshRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncOpen("created")
			ObserveHTTP("POST", "/api/status", "200", time.Millisecond)
		}()
	}
	wg.Wait()
	if got := testutil.ToFloat64(statusOpens.WithLabelValues("created")); got != 50 {
		t.Fatalf("expected 50 opens, got %v", got)
	}
}
