// Package metrics exposes Prometheus collectors for the scheduler, the ledger
// aggregator and the HTTP API. A nil *Metrics is valid and records nothing.
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

const namespace = "debts"

type Metrics struct {
	registry *prometheus.Registry

	instancesGenerated   *prometheus.CounterVec
	templatesDeactivated *prometheus.CounterVec
	generationFailures   prometheus.Counter
	conflicts            *prometheus.CounterVec
	reconciliations      *prometheus.CounterVec
	tickDuration         prometheus.Histogram
	httpRequests         *prometheus.CounterVec
	httpDuration         *prometheus.HistogramVec
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		instancesGenerated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "instances_generated_total",
			Help:      "Instances materialized from recurring templates.",
		}, []string{"subject_kind"}),
		templatesDeactivated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "templates_deactivated_total",
			Help:      "Templates retired by the scheduler.",
		}, []string{"reason"}),
		generationFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "generation_failures_total",
			Help:      "Template generations that failed and left the schedule unchanged.",
		}),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "conflicts_total",
			Help:      "Transactions that lost a concurrent write and were retried.",
		}, []string{"operation"}),
		reconciliations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "reconciliations_total",
			Help:      "Ledger reconciliations, labelled by whether the stored aggregate changed.",
		}, []string{"changed"}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one scheduler pass over due templates.",
			Buckets:   prometheus.DefBuckets,
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// InstanceGenerated counts one generated instance.
func (m *Metrics) InstanceGenerated(subjectKind string) {
	if m == nil {
		return
	}
	m.instancesGenerated.WithLabelValues(subjectKind).Inc()
}

// TemplateDeactivated counts one deactivated template.
func (m *Metrics) TemplateDeactivated(reason string) {
	if m == nil {
		return
	}
	m.templatesDeactivated.WithLabelValues(reason).Inc()
}

// GenerationFailed counts one failed template run.
func (m *Metrics) GenerationFailed() {
	if m == nil {
		return
	}
	m.generationFailures.Inc()
}

// Conflict counts one write conflict.
func (m *Metrics) Conflict(operation string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(operation).Inc()
}

// Reconciled counts one ledger reconciliation.
func (m *Metrics) Reconciled(changed bool) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(strconv.FormatBool(changed)).Inc()
}

// ObserveTick records the duration of a processor tick.
func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
