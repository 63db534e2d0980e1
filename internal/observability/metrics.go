package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for verification runs.
type Metrics struct {
	ChunksProcessed prometheus.Counter
	ChunksSkipped   *prometheus.CounterVec // labels: reason={accumulation,no_forecast,no_common_cases,no_observations,empty_after_qc}
	QCRejected      *prometheus.CounterVec // labels: check={gross,spread}
	PipelineRunning prometheus.Gauge

	ChunkDuration prometheus.Histogram
	ChunkCases    prometheus.Histogram

	Runs             *prometheus.CounterVec // labels: outcome={success,no_data,config_error,error}
	ResultsPersisted *prometheus.CounterVec // labels: sink={file,excel,redis,kafka}
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.ChunksProcessed,
		m.ChunksSkipped,
		m.QCRejected,
		m.PipelineRunning,
		m.ChunkDuration,
		m.ChunkCases,
		m.Runs,
		m.ResultsPersisted,
	)
	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		ChunksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "point_verif",
			Name:      "chunks_processed_total",
			Help:      "Lead-time chunks scored successfully.",
		}),
		ChunksSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "point_verif",
			Name:      "chunks_skipped_total",
			Help:      "Lead-time chunks skipped, by reason.",
		}, []string{"reason"}),
		QCRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "point_verif",
			Name:      "qc_rejected_cases_total",
			Help:      "Cases removed by observation quality control, by check.",
		}, []string{"check"}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "point_verif",
			Name:      "pipeline_running",
			Help:      "1 while a verification run is active, 0 otherwise.",
		}),
		ChunkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "point_verif",
			Name:      "chunk_duration_seconds",
			Help:      "Duration of one read-align-score iteration.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		ChunkCases: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "point_verif",
			Name:      "chunk_cases",
			Help:      "Verified cases per model in a chunk after alignment and QC.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "point_verif",
			Name:      "runs_total",
			Help:      "Verification runs by outcome.",
		}, []string{"outcome"}),
		ResultsPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "point_verif",
			Name:      "results_persisted_total",
			Help:      "Verification results written, by sink.",
		}, []string{"sink"}),
	}
}
