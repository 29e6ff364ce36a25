package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/defect-dataset-exporter/internal/core/domain"
)

// ExportMetrics observes the query, compile, archive and sweep stages.
type ExportMetrics struct {
	service string

	queryTotal        *prometheus.CounterVec
	queryDuration     prometheus.Histogram
	queryRows         prometheus.Histogram
	compiledTotal     *prometheus.CounterVec
	skippedTotal      *prometheus.CounterVec
	archivesTotal     *prometheus.CounterVec
	archiveBytes      prometheus.Histogram
	sweepRemovedTotal prometheus.Counter
	sweepErrorsTotal  prometheus.Counter
	breakerState      *prometheus.GaugeVec
}

func newExportMetrics(registry prometheus.Registerer, service string) *ExportMetrics {
	labels := prometheus.Labels{"service": service}

	m := &ExportMetrics{
		service: service,
		queryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "query",
			Name:        "total",
			Help:        "Detection queries by status.",
			ConstLabels: labels,
		}, []string{"status"}),
		queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "query",
			Name:        "duration_seconds",
			Help:        "Detection query duration in seconds.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}),
		queryRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "query",
			Name:        "rows",
			Help:        "Rows returned per detection query.",
			Buckets:     []float64{0, 10, 100, 500, 1000, 5000, 10000, 50000},
			ConstLabels: labels,
		}),
		compiledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "coco",
			Name:        "compiled_total",
			Help:        "Images and annotations written to compiled documents.",
			ConstLabels: labels,
		}, []string{"kind"}),
		skippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "coco",
			Name:        "skipped_total",
			Help:        "Rows and predictions dropped during compilation by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		archivesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "export",
			Name:        "archives_total",
			Help:        "Export archives built by mode.",
			ConstLabels: labels,
		}, []string{"mode"}),
		archiveBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "export",
			Name:        "archive_bytes",
			Help:        "Size of built export archives.",
			Buckets:     prometheus.ExponentialBuckets(64*1024, 4, 10),
			ConstLabels: labels,
		}),
		sweepRemovedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cleanup",
			Name:        "removed_total",
			Help:        "Expired task directories and archives removed.",
			ConstLabels: labels,
		}),
		sweepErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cleanup",
			Name:        "sweep_errors_total",
			Help:        "Retention sweeps that ended with an error.",
			ConstLabels: labels,
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "resilience",
			Name:        "breaker_state",
			Help:        "Circuit breaker state per operation: 0 closed, 1 half-open, 2 open.",
			ConstLabels: labels,
		}, []string{"operation"}),
	}

	registry.MustRegister(
		m.queryTotal,
		m.queryDuration,
		m.queryRows,
		m.compiledTotal,
		m.skippedTotal,
		m.archivesTotal,
		m.archiveBytes,
		m.sweepRemovedTotal,
		m.sweepErrorsTotal,
		m.breakerState,
	)
	return m
}

func (m *ExportMetrics) ObserveQuery(rows int, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.queryTotal.WithLabelValues(status).Inc()
	m.queryDuration.Observe(duration.Seconds())
	if err == nil {
		m.queryRows.Observe(float64(rows))
	}
}

func (m *ExportMetrics) ObserveCompile(result domain.CompileResult) {
	m.compiledTotal.WithLabelValues("images").Add(float64(len(result.Document.Images)))
	m.compiledTotal.WithLabelValues("annotations").Add(float64(len(result.Document.Annotations)))
	for reason, n := range result.SkipCounts() {
		m.skippedTotal.WithLabelValues(string(reason)).Add(float64(n))
	}
}

func (m *ExportMetrics) ObserveArchive(archive domain.Archive) {
	mode := "full"
	if archive.Filtered {
		mode = "selected"
	}
	m.archivesTotal.WithLabelValues(mode).Inc()
	m.archiveBytes.Observe(float64(archive.Size))
}

func (m *ExportMetrics) ObserveSweep(removed int, err error) {
	if removed > 0 {
		m.sweepRemovedTotal.Add(float64(removed))
	}
	if err != nil {
		m.sweepErrorsTotal.Inc()
	}
}

func (m *ExportMetrics) ObserveBreakerState(operation string, state int) {
	m.breakerState.WithLabelValues(operation).Set(float64(state))
}
