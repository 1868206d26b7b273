// Package metrics exposes Prometheus counters for ingestion, scanning, index
// sync and background jobs. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	ingestRulesTotal   *prometheus.CounterVec
	ingestFilesTotal   *prometheus.CounterVec
	scansTotal         *prometheus.CounterVec
	scanMatchesTotal   prometheus.Counter
	scanDuration       prometheus.Histogram
	indexRequestsTotal *prometheus.CounterVec
	jobsTotal          *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ingestRulesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "yarawesome_ingest_rules_total", Help: "Rules processed by ingestion"},
			[]string{"result"},
		),
		ingestFilesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "yarawesome_ingest_files_total", Help: "Rule files processed by ingestion"},
			[]string{"result"},
		),
		scansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "yarawesome_scans_total", Help: "Scans finished, by final state"},
			[]string{"state", "error"},
		),
		scanMatchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "yarawesome_scan_matches_total", Help: "Match records attached to scans"},
		),
		scanDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "yarawesome_scan_duration_seconds",
				Help:    "Scan duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		indexRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "yarawesome_index_requests_total", Help: "Requests sent to the search backend"},
			[]string{"op", "result"},
		),
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "yarawesome_jobs_total", Help: "Background jobs executed"},
			[]string{"kind", "result"},
		),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.ingestRulesTotal,
		m.ingestFilesTotal,
		m.scansTotal,
		m.scanMatchesTotal,
		m.scanDuration,
		m.indexRequestsTotal,
		m.jobsTotal,
	)

	return m
}

func (m *Metrics) Handler(reg *prometheus.Registry) http.Handler {
	if reg == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// IngestRule counts one rule with result stored, failed or skipped.
func (m *Metrics) IngestRule(result string) {
	if m == nil {
		return
	}
	m.ingestRulesTotal.WithLabelValues(result).Inc()
}

// IngestFile counts one file with result ingested, failed or skipped.
func (m *Metrics) IngestFile(result string) {
	if m == nil {
		return
	}
	m.ingestFilesTotal.WithLabelValues(result).Inc()
}

// ScanFinished records a scan's final state, its error kind and match count.
func (m *Metrics) ScanFinished(state, errKind string, matches int, d time.Duration) {
	if m == nil {
		return
	}
	m.scansTotal.WithLabelValues(state, errKind).Inc()
	m.scanMatchesTotal.Add(float64(matches))
	m.scanDuration.Observe(d.Seconds())
}

// IndexRequest counts one search backend request.
func (m *Metrics) IndexRequest(op string, ok bool) {
	if m == nil {
		return
	}
	m.indexRequestsTotal.WithLabelValues(op, result(ok)).Inc()
}

// Job counts one executed background job.
func (m *Metrics) Job(kind string, ok bool) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(kind, result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
