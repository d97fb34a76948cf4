package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Backend round-trip outcome labels.
const (
	OutcomeOK           = "ok"
	OutcomeConnectError = "connect_error"
	OutcomeIOError      = "io_error"
	OutcomeInvalid      = "invalid"
	OutcomeCanceled     = "canceled"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "filegate",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "filegate",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	backendRoundTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "filegate",
			Subsystem: "backend",
			Name:      "roundtrips_total",
			Help:      "Backend command round trips by verb and outcome.",
		},
		[]string{"verb", "outcome"},
	)
	backendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "filegate",
			Subsystem: "backend",
			Name:      "roundtrip_duration_seconds",
			Help:      "Backend round trip duration in seconds, including the wait for the session.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"verb"},
	)
	backendConnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "filegate",
			Subsystem: "backend",
			Name:      "connects_total",
			Help:      "Backend connect attempts by result.",
		},
		[]string{"result"},
	)
	backendSessionLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "filegate",
			Subsystem: "backend",
			Name:      "session_live",
			Help:      "1 while the shared backend connection is considered live.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			backendRoundTrips,
			backendDuration,
			backendConnects,
			backendSessionLive,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordBackendRoundTrip(verb, outcome string, duration time.Duration) {
	RegisterMetrics()
	backendRoundTrips.WithLabelValues(verb, outcome).Inc()
	backendDuration.WithLabelValues(verb).Observe(duration.Seconds())
}

func RecordBackendConnect(success bool) {
	RegisterMetrics()
	result := "ok"
	if !success {
		result = "error"
	}
	backendConnects.WithLabelValues(result).Inc()
}

func SetBackendSessionLive(live bool) {
	RegisterMetrics()
	if live {
		backendSessionLive.Set(1)
		return
	}
	backendSessionLive.Set(0)
}
