package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelmind_jobs_submitted_total",
			Help: "Jobs accepted or rejected at submit time",
		},
		[]string{"tool", "result"},
	)
	JobsFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelmind_jobs_finalized_total",
			Help: "Jobs that reached a terminal state",
		},
		[]string{"tool", "state"},
	)
	CreditsMoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelmind_credits_total",
			Help: "Absolute credits moved through the ledger by entry kind",
		},
		[]string{"kind"},
	)
	Topups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelmind_topups_total",
			Help: "Top-up attempts by plan and result",
		},
		[]string{"plan", "result"},
	)
	OutboxRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelmind_outbox_messages_total",
			Help: "Outbox messages handled by the worker",
		},
		[]string{"topic", "result"},
	)
	LedgerDrift = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pixelmind_ledger_drift_accounts",
			Help: "Accounts whose balance disagrees with their ledger at the last audit",
		},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pixelmind_http_request_duration_milliseconds",
			Help:    "HTTP request duration in milliseconds",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000},
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(JobsFinalized)
	prometheus.MustRegister(CreditsMoved)
	prometheus.MustRegister(Topups)
	prometheus.MustRegister(OutboxRelayed)
	prometheus.MustRegister(LedgerDrift)
	prometheus.MustRegister(RequestDuration)
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware observes request duration labelled by the matched chi route
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		RequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).
			Observe(float64(time.Since(start).Milliseconds()))
	})
}
