package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stagegate/internal/config"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	submissions    *prometheus.CounterVec
	decisions      *prometheus.CounterVec
	outcomes       *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	webhookErrors  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics returns nil when metrics are disabled.
func NewMetrics(cfg config.Metrics) *Metrics {
	if !cfg.Enabled {
		return nil
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "stagegate"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "submissions_total",
			Help:      "Documents submitted for approval, by result",
		}, []string{"result"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "decisions_total",
			Help:      "Approve and reject actions, by result",
		}, []string{"action", "result"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "outcomes_total",
			Help:      "Instances reaching a terminal outcome",
		}, []string{"outcome"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "action_duration_seconds",
			Help:      "Time spent handling an engine action",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		webhookErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "webhook_failures_total",
			Help:      "Failed webhook deliveries",
		}, []string{"webhook"}),
	}
	m.registry.MustRegister(m.submissions, m.decisions, m.outcomes, m.actionDuration, m.webhookErrors)
	m.registry.MustRegister(collectors.NewGoCollector())
	return m
}

func (m *Metrics) Submission(result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(result).Inc()
}

func (m *Metrics) Decision(action, result string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(action, result).Inc()
}

func (m *Metrics) Outcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveAction(action string, start time.Time) {
	if m == nil {
		return
	}
	m.actionDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
}

func (m *Metrics) WebhookFailure(id string) {
	if m == nil {
		return
	}
	m.webhookErrors.WithLabelValues(id).Inc()
}

// Registry exposes the underlying registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
