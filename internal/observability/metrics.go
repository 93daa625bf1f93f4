// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Orchestrator metrics
	PurchasesTotal  *prometheus.CounterVec
	PlacementsTotal *prometheus.CounterVec

	// Distribution metrics
	IncomeEventsTotal     prometheus.Counter
	BucketAllocatedTotal  *prometheus.CounterVec
	LevelsCompletedTotal  *prometheus.CounterVec
	RebirthsSpawnedTotal  prometheus.Counter
	SunkAmountTotal       *prometheus.CounterVec
	CascadeEventsPerRoute prometheus.Histogram

	// Queue metrics
	JobsProcessedTotal *prometheus.CounterVec
	JobDuration        *prometheus.HistogramVec

	// Reconciliation metrics
	SweepsTotal          prometheus.Counter
	OrphansRepairedTotal prometheus.Counter
	OrphanFailuresTotal  prometheus.Counter
	SweepDuration        prometheus.Histogram

	// Database metrics
	TxRetriesTotal prometheus.Counter

	// Health metrics
	LastSuccessfulSweep prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "plan_engine"
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Orchestrator metrics
		PurchasesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "purchases_total",
			Help:      "Total number of node purchases by outcome",
		}, []string{"outcome"}),
		PlacementsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "placements_total",
			Help:      "Total number of nodes placed by tree",
		}, []string{"tree"}),

		// Distribution metrics
		IncomeEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "distribution",
			Name:      "income_events_total",
			Help:      "Total number of income events processed",
		}),
		BucketAllocatedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "distribution",
			Name:      "bucket_allocated_total",
			Help:      "Total amount allocated to waterfall buckets",
		}, []string{"bucket", "tree"}),
		LevelsCompletedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "distribution",
			Name:      "levels_completed_total",
			Help:      "Total number of level waterfalls completed",
		}, []string{"level", "tree"}),
		RebirthsSpawnedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "distribution",
			Name:      "rebirths_spawned_total",
			Help:      "Total number of rebirth nodes spawned",
		}),
		SunkAmountTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "distribution",
			Name:      "sunk_amount_total",
			Help:      "Total amount absorbed by sink policy",
		}, []string{"policy"}),
		CascadeEventsPerRoute: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "distribution",
			Name:      "cascade_events",
			Help:      "Income events drained per routed payment",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		}),

		// Queue metrics
		JobsProcessedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Total number of jobs processed by type and outcome",
		}, []string{"job_type", "outcome"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Job execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job_type"}),

		// Reconciliation metrics
		SweepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "sweeps_total",
			Help:      "Total number of orphan sweeps run",
		}),
		OrphansRepairedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "orphans_repaired_total",
			Help:      "Total number of orphaned nodes placed by the sweep",
		}),
		OrphanFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "orphan_failures_total",
			Help:      "Total number of orphan repairs that failed",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "sweep_duration_seconds",
			Help:      "Orphan sweep duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		// Database metrics
		TxRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "tx_retries_total",
			Help:      "Total number of transactions retried after serialization failure or deadlock",
		}),

		// Health metrics
		LastSuccessfulSweep: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_sweep_timestamp",
			Help:      "Unix timestamp of last completed orphan sweep",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordPurchase increments the purchases counter for outcome.
func (m *Metrics) RecordPurchase(outcome string) {
	if m == nil {
		return
	}
	m.PurchasesTotal.WithLabelValues(outcome).Inc()
}

// RecordPlacement increments the placements counter for tree.
func (m *Metrics) RecordPlacement(tree string) {
	if m == nil {
		return
	}
	m.PlacementsTotal.WithLabelValues(tree).Inc()
}

// RecordAllocation adds amount to the bucket allocation counter.
func (m *Metrics) RecordAllocation(bucket, tree string, amount float64) {
	if m == nil {
		return
	}
	m.BucketAllocatedTotal.WithLabelValues(bucket, tree).Add(amount)
}

// RecordLevelCompleted increments the completed levels counter.
func (m *Metrics) RecordLevelCompleted(level, tree string) {
	if m == nil {
		return
	}
	m.LevelsCompletedTotal.WithLabelValues(level, tree).Inc()
}

// RecordCascade records the income events drained by one routed payment.
func (m *Metrics) RecordCascade(events, spawned int) {
	if m == nil {
		return
	}
	m.IncomeEventsTotal.Add(float64(events))
	m.CascadeEventsPerRoute.Observe(float64(events))
	m.RebirthsSpawnedTotal.Add(float64(spawned))
}

// RecordSink adds amount to the sink counter for policy.
func (m *Metrics) RecordSink(policy string, amount float64) {
	if m == nil {
		return
	}
	m.SunkAmountTotal.WithLabelValues(policy).Add(amount)
}

// RecordJob records a processed job.
func (m *Metrics) RecordJob(jobType, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.JobsProcessedTotal.WithLabelValues(jobType, outcome).Inc()
	m.JobDuration.WithLabelValues(jobType).Observe(seconds)
}

// RecordSweep records a completed orphan sweep.
func (m *Metrics) RecordSweep(repaired, failed int, seconds float64, finishedUnix int64) {
	if m == nil {
		return
	}
	m.SweepsTotal.Inc()
	m.OrphansRepairedTotal.Add(float64(repaired))
	m.OrphanFailuresTotal.Add(float64(failed))
	m.SweepDuration.Observe(seconds)
	m.LastSuccessfulSweep.Set(float64(finishedUnix))
}

// RecordTxRetry increments the transaction retry counter.
func (m *Metrics) RecordTxRetry() {
	if m == nil {
		return
	}
	m.TxRetriesTotal.Inc()
}
