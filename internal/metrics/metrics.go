package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stockrecon"

var (
	// SessionsTotal counts control session transitions (opened, finalized).
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_sessions_total",
			Help:      "Control session transitions by event.",
		},
		[]string{"event"},
	)

	// AdjustmentRequestsTotal counts adjustment request transitions (submitted, authorized, rejected).
	AdjustmentRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adjustment_requests_total",
			Help:      "Adjustment request transitions by outcome.",
		},
		[]string{"outcome"},
	)

	LinesAppliedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adjustment_lines_applied_total",
			Help:      "Adjustment lines applied to the stock ledger.",
		},
	)

	// ConflictsTotal counts calls that lost a race on a conditional write.
	ConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Operations rejected by a concurrent state change.",
		},
		[]string{"op"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"op"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status class.",
		},
		[]string{"method", "code"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsTotal,
		AdjustmentRequestsTotal,
		LinesAppliedTotal,
		ConflictsTotal,
		OperationDuration,
		HTTPRequestsTotal,
	)
}

// ObserveOp returns a function that records the elapsed time of op.
func ObserveOp(op string) func() {
	start := time.Now()
	return func() {
		OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus metrics HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StatusBucket groups HTTP status codes into classes (2xx, 3xx, 4xx, 5xx).
func StatusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
