package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the engine counters. A nil *Metrics records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	transitions   *prometheus.CounterVec
	conflicts     prometheus.Counter
	notifications *prometheus.CounterVec
}

// New registers the counters on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pcp",
			Name:      "transitions_total",
			Help:      "Schedule entry status transitions applied, by target state.",
		}, []string{"to"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pcp",
			Name:      "transition_conflicts_total",
			Help:      "Transitions rejected because the expected state was stale.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pcp",
			Name:      "notifications_total",
			Help:      "Notification deliveries by sink and result.",
		}, []string{"sink", "result"}),
	}
	reg.MustRegister(m.transitions, m.conflicts, m.notifications,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// Notification records one delivery attempt; result is "ok" or "error".
func (m *Metrics) Notification(sink, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(sink, result).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
