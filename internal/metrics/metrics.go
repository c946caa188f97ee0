package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	statusOpens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "statusd",
			Subsystem: "status",
			Name:      "opens_total",
			Help:      "Open requests by outcome (created, existing, invalid, conflict, unavailable).",
		}, []string{"result"},
	)
	statusResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "statusd",
			Subsystem: "status",
			Name:      "resets_total",
			Help:      "Number of successful resets.",
		},
	)
	deletedRecords = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "statusd",
			Subsystem: "status",
			Name:      "deleted_records_total",
			Help:      "Records removed by resets.",
		},
	)
	storeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "statusd",
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Backend failures by repository operation.",
		}, []string{"op"},
	)
	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "statusd",
			Subsystem: "connection",
			Name:      "state",
			Help:      "Current connection state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	connectionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "statusd",
			Subsystem: "connection",
			Name:      "transitions_total",
			Help:      "Number of connection state transitions.",
		}, []string{"from", "to"},
	)
	healthProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "statusd",
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Health probes by result (ok, unavailable).",
		}, []string{"result"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "statusd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "statusd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"},
	)
	historySendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "statusd",
			Subsystem: "history",
			Name:      "send_errors_total",
			Help:      "Failed history event deliveries per sink.",
		}, []string{"sink"},
	)
)

// gatherer backs Handler. It follows the registerer passed to Register when
// that registerer can also gather.
var gatherer atomic.Value

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		statusOpens, statusResets, deletedRecords, storeErrors,
		connectionState, connectionTransitions, healthProbes,
		httpRequests, httpDuration, historySendErrors,
		selfCPU, selfRSS, selfThreads,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered: allows Register after a reset in tests
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	if g, ok := r.(prometheus.Gatherer); ok {
		gatherer.Store(gathererBox{g})
	}
	regOK.Store(true)
	return nil
}

type gathererBox struct{ prometheus.Gatherer }

// Handler serves the registry metrics were registered with, or the default
// gatherer before Register.
func Handler() http.Handler {
	if b, ok := gatherer.Load().(gathererBox); ok && b.Gatherer != prometheus.DefaultGatherer {
		return promhttp.HandlerFor(b.Gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncOpen(result string) {
	if regOK.Load() {
		statusOpens.WithLabelValues(result).Inc()
	}
}

func AddReset(deleted int64) {
	if regOK.Load() {
		statusResets.Inc()
		deletedRecords.Add(float64(deleted))
	}
}

func IncStoreError(op string) {
	if regOK.Load() {
		storeErrors.WithLabelValues(op).Inc()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		connectionTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetCurrentState(state string, active bool) {
	if regOK.Load() {
		var value float64 = 0
		if active {
			value = 1
		}
		connectionState.WithLabelValues(state).Set(value)
	}
}

func IncHealthProbe(result string) {
	if regOK.Load() {
		healthProbes.WithLabelValues(result).Inc()
	}
}

func ObserveHTTP(method, route, code string, d time.Duration) {
	if regOK.Load() {
		httpRequests.WithLabelValues(method, route, code).Inc()
		httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
	}
}

func IncHistoryError(sink string) {
	if regOK.Load() {
		historySendErrors.WithLabelValues(sink).Inc()
	}
}
