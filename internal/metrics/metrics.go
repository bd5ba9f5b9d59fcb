package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DeltaPagesApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_delta_pages_applied_total",
			Help: "Delta pages reconciled into the store",
		},
		[]string{"provider", "kind"}, // kind: folders, messages
	)

	DeltaItemsReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_delta_items_total",
			Help: "Items upserted or deleted by delta reconciliation",
		},
		[]string{"kind", "op"}, // op: upsert, delete, skip
	)

	SyncJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailsync_job_duration_seconds",
			Help:    "Duration of sync jobs by outcome",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"kind", "outcome"},
	)

	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailsync_active_jobs",
			Help: "Currently registered sync jobs",
		},
	)

	UploadResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_upload_results_total",
			Help: "Pending action replays by action type and result class",
		},
		[]string{"action", "result"},
	)
)

func RecordPage(provider, kind string, upserts, deletes, skipped int) {
	DeltaPagesApplied.WithLabelValues(provider, kind).Inc()
	DeltaItemsReconciled.WithLabelValues(kind, "upsert").Add(float64(upserts))
	DeltaItemsReconciled.WithLabelValues(kind, "delete").Add(float64(deletes))
	DeltaItemsReconciled.WithLabelValues(kind, "skip").Add(float64(skipped))
}

func RecordJob(kind, outcome string, d time.Duration) {
	SyncJobDuration.WithLabelValues(kind, outcome).Observe(d.Seconds())
}

func RecordUpload(action, result string) {
	UploadResults.WithLabelValues(action, result).Inc()
}
