// Package metrics exposes Prometheus collectors for ingestion, webhook verification and
// scheduled syncs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "celerix_spc"

// Metrics groups every collector on its own registry so tests and multiple daemons in one
// process never collide on the global registry.
type Metrics struct {
	registry *prometheus.Registry

	RecordsIngested  *prometheus.CounterVec
	IngestFailures   *prometheus.CounterVec
	WebhookVerified  *prometheus.CounterVec
	SyncRuns         *prometheus.CounterVec
	SyncDuration     *prometheus.HistogramVec
	SchedulerSkipped prometheus.Counter
}

// New registers all collectors plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RecordsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_ingested_total",
			Help:      "Measurement records stored, by source kind.",
		}, []string{"source"}),
		IngestFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_failures_total",
			Help:      "Rejected ingestion payloads, by source kind.",
		}, []string{"source"}),
		WebhookVerified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_verifications_total",
			Help:      "Webhook signature checks, by scheme and outcome.",
		}, []string{"scheme", "result"}),
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Scheduled sync ticks, by task and outcome.",
		}, []string{"task", "result"}),
		SyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of scheduled sync ticks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
		SchedulerSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_ticks_skipped_total",
			Help:      "Ticks skipped because the previous tick was still running.",
		}),
	}
	m.registry.MustRegister(
		m.RecordsIngested,
		m.IngestFailures,
		m.WebhookVerified,
		m.SyncRuns,
		m.SyncDuration,
		m.SchedulerSkipped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Result labels.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Outcome maps an error to a result label.
func Outcome(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
