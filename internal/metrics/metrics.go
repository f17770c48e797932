// Package metrics provides Prometheus metrics collection for the site and
// registry processes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector a ddm process registers.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	ErrorsTotal *prometheus.CounterVec

	StepsExecutedTotal *prometheus.CounterVec
	StepLegalityFailed *prometheus.CounterVec
	StepBackoffSleeps  prometheus.Counter
	ActiveJobs         prometheus.Gauge

	ReplicaObjects    prometheus.Gauge
	ReplicaLastSeq    prometheus.Gauge
	ReplicaRefreshErr prometheus.Counter
}

// New builds a Metrics instance registered against the default registry.
func New(service string) *Metrics {
	return NewWithRegistry(service, prometheus.DefaultRegisterer)
}

// NewWithRegistry builds a Metrics instance registered against registerer,
// used by tests to avoid colliding with the default registry.
func NewWithRegistry(service string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ddm_http_requests_total",
			Help: "Total number of HTTP requests served.",
		}, []string{"service", "method", "path", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ddm_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"service", "method", "path"}),
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ddm_http_requests_in_flight",
			Help: "Number of HTTP requests currently being handled.",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ddm_errors_total",
			Help: "Total number of ddmerrors.Error returned, by code.",
		}, []string{"service", "code"}),
		StepsExecutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ddm_steps_executed_total",
			Help: "Total number of workflow steps executed by this site's runner.",
		}, []string{"outcome"}),
		StepLegalityFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ddm_step_legality_failed_total",
			Help: "Total number of job submissions rejected as illegal.",
		}, []string{"reason"}),
		StepBackoffSleeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ddm_step_backoff_sleeps_total",
			Help: "Total number of scan/backoff sleeps taken while waiting on step inputs.",
		}),
		ActiveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ddm_active_jobs",
			Help: "Number of jobs currently executing on this site.",
		}),
		ReplicaObjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ddm_replica_objects",
			Help: "Number of objects currently held in the registry replica.",
		}),
		ReplicaLastSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ddm_replica_last_seq",
			Help: "Sequence number of the last update applied to the replica.",
		}),
		ReplicaRefreshErr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ddm_replica_refresh_errors_total",
			Help: "Total number of failed replica refresh attempts.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.RequestsTotal, m.RequestDuration, m.RequestsInFlight, m.ErrorsTotal,
		m.StepsExecutedTotal, m.StepLegalityFailed, m.StepBackoffSleeps, m.ActiveJobs,
		m.ReplicaObjects, m.ReplicaLastSeq, m.ReplicaRefreshErr,
	} {
		_ = registerer.Register(c)
	}

	return m
}
