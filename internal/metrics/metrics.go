package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stocketl"

// Metrics groups the Prometheus collectors of the pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	downloads        *prometheus.CounterVec
	rowsStored       prometheus.Counter
	analysisRuns     prometheus.Counter
	analysisDuration prometheus.Histogram
	barsEnriched     prometheus.Counter
	rowsRejected     prometheus.Counter
	outliers         *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry, alongside the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		downloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Price downloads by data source and final status.",
		}, []string{"source", "status"}),
		rowsStored: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_rows_stored_total",
			Help:      "Daily price rows written to the store.",
		}),
		analysisRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_runs_total",
			Help:      "Completed feature and outlier runs.",
		}),
		analysisDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Wall time of a feature and outlier run.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		barsEnriched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bars_enriched_total",
			Help:      "Bars that went through the feature pipeline.",
		}),
		rowsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_rejected_total",
			Help:      "Malformed input rows skipped by the feature pipeline.",
		}),
		outliers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outliers_flagged_total",
			Help:      "Bars flagged by the IQR outlier detector.",
		}, []string{"field"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route pattern and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveDownload(source, status string, rows int) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(source, status).Inc()
	m.rowsStored.Add(float64(rows))
}

func (m *Metrics) ObserveAnalysis(d time.Duration, bars, rejected, closeOutliers, volumeOutliers int) {
	if m == nil {
		return
	}
	m.analysisRuns.Inc()
	m.analysisDuration.Observe(d.Seconds())
	m.barsEnriched.Add(float64(bars))
	m.rowsRejected.Add(float64(rejected))
	m.outliers.WithLabelValues("close").Add(float64(closeOutliers))
	m.outliers.WithLabelValues("volume").Add(float64(volumeOutliers))
}

func (m *Metrics) ObserveRequest(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
