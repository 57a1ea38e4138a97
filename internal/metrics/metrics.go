// Package metrics exposes the engine's Prometheus collectors and the HTTP
// instrumentation middleware.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the engine-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "engine",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "engine",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	sessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "sessions",
			Name:      "started_total",
			Help:      "Total number of practice sessions started.",
		},
	)

	sessionsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "sessions",
			Name:      "completed_total",
			Help:      "Total number of practice session completions.",
		},
		[]string{"idempotent"},
	)

	idempotentReplays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "idempotency",
			Name:      "replays_total",
			Help:      "Requests served verbatim from the idempotency ledger.",
		},
		[]string{"route"},
	)

	idempotencyConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "idempotency",
			Name:      "conflicts_total",
			Help:      "Idempotency keys reused with a different request body.",
		},
		[]string{"route"},
	)

	recordsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "idempotency",
			Name:      "records_swept_total",
			Help:      "Expired idempotency records removed by the background sweep.",
		},
	)

	xpGranted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "wallet",
			Name:      "xp_granted_total",
			Help:      "XP credited to wallets, after boosts.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		sessionsStarted,
		sessionsCompleted,
		idempotentReplays,
		idempotencyConflicts,
		recordsSwept,
		xpGranted,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordSessionStart counts a genuinely new session.
func RecordSessionStart() { sessionsStarted.Inc() }

// RecordSessionCompletion counts a completion; idempotent marks replays of an
// already-completed session.
func RecordSessionCompletion(idempotent bool) {
	sessionsCompleted.WithLabelValues(strconv.FormatBool(idempotent)).Inc()
}

// RecordReplay counts a request served from the idempotency ledger.
func RecordReplay(route string) { idempotentReplays.WithLabelValues(route).Inc() }

// RecordConflict counts an idempotency conflict.
func RecordConflict(route string) { idempotencyConflicts.WithLabelValues(route).Inc() }

// RecordSweep counts records removed by the idempotency sweeper.
func RecordSweep(n int) { recordsSwept.Add(float64(n)) }

// RecordXPGranted counts XP credited to a wallet.
func RecordXPGranted(amount int64) {
	if amount > 0 {
		xpGranted.Add(float64(amount))
	}
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses identifiers so the label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "actors":
		if len(parts) == 1 {
			return "/actors"
		}
		if len(parts) == 2 {
			return "/actors/:actor"
		}
		return "/actors/:actor/" + strings.Join(parts[2:], "/")
	case "sessions":
		if len(parts) == 1 {
			return "/sessions"
		}
		if len(parts) == 2 {
			return "/sessions/:session"
		}
		return "/sessions/:session/" + parts[2]
	default:
		return "/" + parts[0]
	}
}
