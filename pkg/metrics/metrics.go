// Package metrics exposes Prometheus collectors for the sync pipeline:
// per-stage record counts, batch durations, delta skip rates, and the
// depth of the pending-children and dead-letter queues.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsProcessed counts records by pipeline stage and outcome.
	// Labels: entity, stage, status (success/failure)
	RecordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erpbridge_records_processed_total",
			Help: "Total number of records processed per stage",
		},
		[]string{"entity", "stage", "status"},
	)

	// DeltaOperations counts delta classifications.
	// Labels: entity, operation (insert/update/delete/skip)
	DeltaOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erpbridge_delta_operations_total",
			Help: "Total delta classifications by operation",
		},
		[]string{"entity", "operation"},
	)

	// SkipRate is the fraction of records skipped in the last completed
	// batch. High values are the steady-state signal that change
	// detection is working.
	SkipRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "erpbridge_delta_skip_rate",
			Help: "Fraction of records skipped in the last batch",
		},
		[]string{"entity"},
	)

	// Efficiency is the actionable fraction (inserts, updates, deletes)
	// of classified records in the last completed batch. Complements
	// SkipRate: low efficiency at steady state is expected.
	Efficiency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "erpbridge_delta_efficiency",
			Help: "Fraction of records requiring action in the last batch",
		},
		[]string{"entity"},
	)

	// BatchDuration tracks end-to-end batch durations in seconds.
	// Labels: entity, mode (full/incremental/background), status
	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "erpbridge_batch_duration_seconds",
			Help: "End-to-end batch duration in seconds",
			Buckets: []float64{
				1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
			},
		},
		[]string{"entity", "mode", "status"},
	)

	// PendingChildren gauges the resolver queue depth by state.
	// Labels: entity, state (queued/retrying/exhausted)
	PendingChildren = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "erpbridge_pending_children",
			Help: "Pending child records awaiting parent resolution",
		},
		[]string{"entity", "state"},
	)

	// FailedRecords counts dead-letter entries by error class.
	// Labels: entity, class
	FailedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erpbridge_failed_records_total",
			Help: "Records parked on the dead-letter queue",
		},
		[]string{"entity", "class"},
	)

	// UpstreamRequests counts extract API calls.
	// Labels: entity, status (success/failure)
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erpbridge_upstream_requests_total",
			Help: "Extract API requests",
		},
		[]string{"entity", "status"},
	)

	// ScheduledRuns counts scheduler-triggered batch starts.
	// Labels: entity, trigger (window/manual/forced)
	ScheduledRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erpbridge_scheduled_runs_total",
			Help: "Batches started by the scheduler",
		},
		[]string{"entity", "trigger"},
	)
)

// Timer measures a batch or stage duration.
type Timer struct {
	start time.Time
}

// NewTimer starts timing immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration since creation.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ObserveBatch records a completed batch's duration and skip rate.
func ObserveBatch(entity, mode, status string, duration time.Duration, skipRate float64) {
	BatchDuration.WithLabelValues(entity, mode, status).Observe(duration.Seconds())
	SkipRate.WithLabelValues(entity).Set(skipRate)
	Efficiency.WithLabelValues(entity).Set(1 - skipRate)
}
