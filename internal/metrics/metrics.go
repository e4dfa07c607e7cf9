// Package metrics exposes Kestrel's Prometheus collectors. Collectors live
// on an owned registry so tests and multiple instances never collide on the
// global default registry. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const namespace = "kestrel"

// Metrics holds every collector.
type Metrics struct {
	registry *prometheus.Registry

	decisions        *prometheus.CounterVec
	decisionLatency  prometheus.Histogram
	decisionErrors   *prometheus.CounterVec
	rulesTriggered   *prometheus.CounterVec
	ruleConfigErrors *prometheus.CounterVec
	velocityBreaches *prometheus.CounterVec
	linkMatches      *prometheus.CounterVec
	quotaRejections  prometheus.Counter
	detections       *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry, including Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decision",
			Name:      "total",
			Help:      "Decisions made, by outcome.",
		}, []string{"outcome"}),

		decisionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "decision",
			Name:      "duration_seconds",
			Help:      "Time taken to produce a decision.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),

		decisionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decision",
			Name:      "errors_total",
			Help:      "Decisions that failed, by error kind.",
		}, []string{"kind"}),

		rulesTriggered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "triggered_total",
			Help:      "Rule triggers, by rule name.",
		}, []string{"rule"}),

		ruleConfigErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "config_errors_total",
			Help:      "Rules rejected at snapshot build, by rule name.",
		}, []string{"rule"}),

		velocityBreaches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "velocity",
			Name:      "breaches_total",
			Help:      "Velocity rule breaches, by rule and risk level.",
		}, []string{"rule", "risk_level"}),

		linkMatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "links",
			Name:      "matches_total",
			Help:      "Links to blocked entities, by shared attribute.",
		}, []string{"attribute"}),

		quotaRejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "rejections_total",
			Help:      "Requests rejected for exceeding the caller's quota.",
		}),

		detections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "patterns",
			Name:      "detections_total",
			Help:      "Pattern detections, by kind.",
		}, []string{"kind"}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests, by route and status code.",
		}, []string{"method", "route", "status"}),

		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry returns the owned registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveDecision records a completed decision.
func (m *Metrics) ObserveDecision(d *domain.Decision) {
	if m == nil || d == nil {
		return
	}
	m.decisions.WithLabelValues(string(d.Outcome)).Inc()
	m.decisionLatency.Observe(d.Latency.Seconds())
	for _, name := range d.TriggeredBy {
		m.rulesTriggered.WithLabelValues(name).Inc()
	}
	for _, b := range d.VelocityBreaches {
		m.velocityBreaches.WithLabelValues(b.Rule, string(b.RiskLevel)).Inc()
	}
	for _, l := range d.LinkedEntities {
		m.linkMatches.WithLabelValues(string(l.Attribute)).Inc()
	}
}

// DecisionFailed records a decision that returned an error.
func (m *Metrics) DecisionFailed(kind domain.ErrorKind) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "UNKNOWN"
	}
	m.decisionErrors.WithLabelValues(string(kind)).Inc()
}

// RuleConfigError records a rule rejected at snapshot build.
func (m *Metrics) RuleConfigError(rule string) {
	if m == nil {
		return
	}
	m.ruleConfigErrors.WithLabelValues(rule).Inc()
}

// QuotaRejected records a request denied by admission control.
func (m *Metrics) QuotaRejected() {
	if m == nil {
		return
	}
	m.quotaRejections.Inc()
}

// PatternDetected records a pattern detection.
func (m *Metrics) PatternDetected(kind domain.DetectionKind) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(string(kind)).Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
