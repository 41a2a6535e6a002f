package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "erpbridge"

var (
	// BreakerState reports the current circuit state per dependency
	// (0=closed, 1=open, 2=half_open, 3=isolated).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_state",
		Help:      "Current circuit breaker state per external dependency.",
	}, []string{"dependency"})

	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_transitions_total",
		Help:      "Circuit breaker state transitions.",
	}, []string{"dependency", "to"})

	BatchJobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batch_jobs_finished_total",
		Help:      "Batch push jobs that reached a terminal status.",
	}, []string{"status"})

	SubBatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_push_sub_batch_duration_seconds",
		Help:      "Duration of a single sub-batch push call.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})

	SubBatchesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "batch_push_sub_batches_in_flight",
		Help:      "Sub-batch push calls currently executing.",
	})

	OutboxEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_enqueued_total",
		Help:      "Notifications stored in the retry outbox after a failed delivery.",
	})

	OutboxRedelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_redelivered_total",
		Help:      "Outbox entries delivered on retry and removed.",
	})

	OutboxRetryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_retry_failures_total",
		Help:      "Failed outbox redelivery attempts.",
	})

	OutboxDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_dead_lettered_total",
		Help:      "Outbox entries that exhausted their configured attempts.",
	})

	NotificationsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_published_total",
		Help:      "Notification publish attempts by result.",
	}, []string{"event", "result"})

	ReconcileEntities = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_entities_total",
		Help:      "Entities examined by reconciliation runs by outcome.",
	}, []string{"direction", "entity_type", "outcome"})

	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_runs_total",
		Help:      "Reconciliation runs by result.",
	}, []string{"direction", "entity_type", "result"})
)

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
