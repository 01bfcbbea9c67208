// Package metrics exposes sync engine measurements in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mschirtzinger/jotsync/internal/sync"
)

const namespace = "jot"

// Sync implements sync.Recorder on a private registry.
type Sync struct {
	registry *prometheus.Registry

	cycles     *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	uploaded   *prometheus.CounterVec
	failed     *prometheus.CounterVec
	downloaded *prometheus.CounterVec
	lastCycle  *prometheus.GaugeVec
}

var _ sync.Recorder = (*Sync)(nil)

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Sync {
	m := &Sync{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cycles_total",
			Help:      "Sync calls by entity and outcome.",
		}, []string{"entity", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of sync cycles that ran.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"entity"}),
		uploaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "records_uploaded_total",
			Help:      "Records accepted by the remote.",
		}, []string{"entity"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "records_upload_failed_total",
			Help:      "Records whose upload failed.",
		}, []string{"entity"}),
		downloaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "records_downloaded_total",
			Help:      "Records pulled from the remote.",
		}, []string{"entity"}),
		lastCycle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time of the last cycle that ran.",
		}, []string{"entity"}),
	}

	m.registry.MustRegister(
		m.cycles, m.duration, m.uploaded, m.failed, m.downloaded, m.lastCycle,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Sync) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Sync) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCycle implements sync.Recorder.
func (m *Sync) ObserveCycle(entity string, outcome sync.Outcome, d time.Duration) {
	m.cycles.WithLabelValues(entity, string(outcome)).Inc()
	if outcome == sync.OutcomeCompleted || outcome == sync.OutcomeFailed {
		m.duration.WithLabelValues(entity).Observe(d.Seconds())
		m.lastCycle.WithLabelValues(entity).SetToCurrentTime()
	}
}

// AddUploaded implements sync.Recorder.
func (m *Sync) AddUploaded(entity string, n int) {
	m.uploaded.WithLabelValues(entity).Add(float64(n))
}

// AddUploadFailed implements sync.Recorder.
func (m *Sync) AddUploadFailed(entity string, n int) {
	m.failed.WithLabelValues(entity).Add(float64(n))
}

// AddDownloaded implements sync.Recorder.
func (m *Sync) AddDownloaded(entity string, n int) {
	m.downloaded.WithLabelValues(entity).Add(float64(n))
}
