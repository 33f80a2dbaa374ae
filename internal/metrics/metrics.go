package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumen_executions_total",
			Help: "Total number of job executions by terminal status.",
		},
		[]string{"status"},
	)

	ExecutionDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lumen_execution_duration_seconds",
			Help:    "Duration of job executions in seconds.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		},
		[]string{"status"},
	)

	ExecutionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lumen_executions_active",
			Help: "Number of executions currently holding the job slot.",
		},
	)

	ImagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumen_images_total",
			Help: "Total number of image status writes by resulting status.",
		},
		[]string{"status"},
	)

	GenerationFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lumen_generation_failures_total",
			Help: "Total number of generation units that produced no image.",
		},
	)

	StepFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumen_step_failures_total",
			Help: "Total number of post-processing step failures by step and policy mode.",
		},
		[]string{"step", "mode"},
	)

	RetryBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumen_retry_batches_total",
			Help: "Total number of retry batches by how they were admitted.",
		},
		[]string{"admission"},
	)

	SlotContentionTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lumen_slot_contention_total",
			Help: "Total number of rejected claims on the single job slot.",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lumen_queue_depth",
			Help: "Number of reruns and retry batches waiting for the job slot.",
		},
	)

	LedgerConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lumen_ledger_conflicts_total",
			Help: "Total number of image status compare-and-set conflicts.",
		},
	)
)

// Register registers all custom lumen metrics with the default Prometheus registry.
func Register() {
	prometheus.MustRegister(collectors()...)
}

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		ExecutionsTotal,
		ExecutionDurationSeconds,
		ExecutionsActive,
		ImagesTotal,
		GenerationFailuresTotal,
		StepFailuresTotal,
		RetryBatchesTotal,
		SlotContentionTotal,
		QueueDepth,
		LedgerConflictsTotal,
	}
}
