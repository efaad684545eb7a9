package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "match_latency_seconds", Help: "Driver matching latency",
	})
	MatchCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "match_candidates", Help: "Eligible drivers per match",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
	})

	// path is job_created or driver_available; outcome is assigned,
	// no_driver, circuit_open, conflict, error or skipped.
	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_attempts_total", Help: "Dispatch attempts by path and outcome"},
		[]string{"path", "outcome"},
	)
	Redispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "redispatch_total", Help: "Assigned-timeout outcomes"},
		[]string{"outcome"},
	)
	Cancellations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "job_cancellations_total", Help: "Jobs cancelled by reason"},
		[]string{"reason"},
	)
	SweepErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "sweep_job_errors_total", Help: "Per-job sweep failures"},
		[]string{"scan"},
	)
	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "sweep_duration_seconds", Help: "Sweep scan duration", Buckets: prometheus.DefBuckets},
		[]string{"scan"},
	)
	FraudAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "fraud_alerts_total", Help: "Fraud alerts raised by kind"},
		[]string{"kind"},
	)
	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notification_failures_total", Help: "Undelivered notifications by kind"},
		[]string{"kind"},
	)
	BreakerOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "breaker_open", Help: "1 while the dispatch circuit breaker is open",
	})
	TriggersHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "triggers_total", Help: "Triggers handled by kind and result"},
		[]string{"kind", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
