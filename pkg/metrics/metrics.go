// Package metrics provides Prometheus metrics for syncbridge: job
// outcomes, per-phase row counts and latencies, conflicts, quality
// findings, alert firings, and notification deliveries.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts completed jobs by data type, direction, and status.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncbridge_jobs_total",
			Help: "Completed sync jobs by terminal status",
		},
		[]string{"data_type", "direction", "status"},
	)

	// JobsRunning tracks jobs currently in the running state.
	JobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncbridge_jobs_running",
			Help: "Sync jobs currently running",
		},
	)

	// RowsProcessed counts rows by phase outcome.
	RowsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncbridge_rows_total",
			Help: "Rows processed by phase and outcome",
		},
		[]string{"data_type", "phase", "outcome"},
	)

	// PhaseDuration observes per-phase latency.
	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "syncbridge_phase_duration_seconds",
			Help:    "Duration of job phases",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"data_type", "phase"},
	)

	// ConflictsTotal counts conflicts by table and resolution.
	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncbridge_conflicts_total",
			Help: "Sync conflicts by resolution",
		},
		[]string{"table", "resolution"},
	)

	// QualityIssuesTotal counts quality findings by rule type and severity.
	QualityIssuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncbridge_quality_issues_total",
			Help: "Quality issues by check type and severity",
		},
		[]string{"check_type", "severity"},
	)

	// AnomaliesTotal counts anomalies by detector.
	AnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncbridge_anomalies_total",
			Help: "Data anomalies by detector",
		},
		[]string{"detector"},
	)

	// AlertsFired counts alert firings, throttled or dispatched.
	AlertsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncbridge_alerts_fired_total",
			Help: "Alert firings by disposition",
		},
		[]string{"alert", "disposition"},
	)

	// NotificationsTotal counts notification deliveries by channel and status.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncbridge_notifications_total",
			Help: "Notification deliveries by channel and final status",
		},
		[]string{"channel", "status"},
	)

	// SchedulerFires counts schedule firings, including coalesced catch-ups.
	SchedulerFires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncbridge_scheduler_fires_total",
			Help: "Schedule firings by schedule name and kind",
		},
		[]string{"schedule", "kind"},
	)

	// WatermarkLagSeconds reports the age of the committed watermark.
	WatermarkLagSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "syncbridge_watermark_lag_seconds",
			Help: "Seconds since the committed watermark token",
		},
		[]string{"data_type", "direction"},
	)

	// SubBatchRetries counts loader sub-batch retries.
	SubBatchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncbridge_subbatch_retries_total",
			Help: "Loader sub-batch retries by table",
		},
		[]string{"table"},
	)
)

// Timer measures elapsed time for an operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed time.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ObservePhase records a completed phase duration.
func ObservePhase(dataType, phase string, d time.Duration) {
	PhaseDuration.WithLabelValues(dataType, phase).Observe(d.Seconds())
}
