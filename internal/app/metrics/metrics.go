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
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ledger_core",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger_core",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ledger_core",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	ledgerEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger_core",
			Subsystem: "ledger",
			Name:      "entries_total",
			Help:      "Total number of ledger entries applied.",
		},
		[]string{"kind"},
	)

	accrualRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger_core",
			Subsystem: "accrual",
			Name:      "runs_total",
			Help:      "Total number of accrual run attempts.",
		},
		[]string{"completed"},
	)

	accrualPanels = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger_core",
			Subsystem: "accrual",
			Name:      "panels_total",
			Help:      "Panels touched by accrual runs.",
		},
		[]string{"result"},
	)

	accrualDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ledger_core",
			Subsystem: "accrual",
			Name:      "run_duration_seconds",
			Help:      "Duration of accrual runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)

	withdrawalTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger_core",
			Subsystem: "withdrawals",
			Name:      "transitions_total",
			Help:      "Total number of withdrawal status transitions.",
		},
		[]string{"to"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		ledgerEntries,
		accrualRuns,
		accrualPanels,
		accrualDuration,
		withdrawalTransitions,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
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

// RecordLedgerEntries counts applied entries by kind.
func RecordLedgerEntries(kind string, count int) {
	if count <= 0 {
		return
	}
	ledgerEntries.WithLabelValues(kind).Add(float64(count))
}

// RecordAccrualRun records the outcome of one accrual run attempt.
func RecordAccrualRun(duration time.Duration, processed, failed int, completed bool) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	accrualRuns.WithLabelValues(strconv.FormatBool(completed)).Inc()
	accrualPanels.WithLabelValues("processed").Add(float64(processed))
	accrualPanels.WithLabelValues("failed").Add(float64(failed))
	accrualDuration.Observe(duration.Seconds())
}

// RecordWithdrawalTransition counts withdrawal status changes.
func RecordWithdrawalTransition(to string) {
	withdrawalTransitions.WithLabelValues(to).Inc()
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

// canonicalPath collapses per-user and per-request identifiers so the label
// cardinality stays bounded.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "users":
		if len(parts) == 1 {
			return "/users"
		}
		if len(parts) == 2 {
			return "/users/:id"
		}
		return "/users/:id/" + parts[2]
	case "withdrawals":
		if len(parts) == 1 {
			return "/withdrawals"
		}
		if len(parts) == 2 {
			return "/withdrawals/:id"
		}
		return "/withdrawals/:id/" + parts[2]
	case "rankings":
		if len(parts) == 1 {
			return "/rankings"
		}
		return "/rankings/:kind"
	case "admin":
		if len(parts) == 1 {
			return "/admin"
		}
		return "/admin/" + parts[1]
	default:
		return "/" + parts[0]
	}
}
