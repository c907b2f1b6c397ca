// Package metrics registers the Prometheus instruments of the alert
// pipeline. A nil *Metrics is valid and drops every observation, so
// tests can run services without a registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	RoutingTotal    *prometheus.CounterVec
	RoutingDuration prometheus.Histogram
	ScoringSubjects *prometheus.CounterVec
	AlertsCreated   prometheus.Counter
	SweepsTotal     prometheus.Counter
	AlertsExpired   prometheus.Counter
	CacheRequests   *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RoutingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_routing_total",
			Help: "Routing decisions by strategy.",
		}, []string{"strategy"}),
		RoutingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_routing_duration_seconds",
			Help:    "Duration of single-alert routing decisions.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~4s
		}),
		ScoringSubjects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_scoring_subjects_total",
			Help: "Scored subjects by outcome.",
		}, []string{"outcome"}),
		AlertsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_alerts_created_total",
			Help: "Alerts created above the confidence threshold.",
		}),
		SweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_sweeps_total",
			Help: "Escalation sweep runs.",
		}),
		AlertsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_alerts_expired_total",
			Help: "Alerts expired by the escalation sweeper.",
		}),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_cache_requests_total",
			Help: "Cache lookups by cache name and result.",
		}, []string{"cache", "result"}),
	}

	reg.MustRegister(
		m.RoutingTotal,
		m.RoutingDuration,
		m.ScoringSubjects,
		m.AlertsCreated,
		m.SweepsTotal,
		m.AlertsExpired,
		m.CacheRequests,
	)
	return m
}

func (m *Metrics) ObserveRouting(strategy string, seconds float64) {
	if m == nil {
		return
	}
	m.RoutingTotal.WithLabelValues(strategy).Inc()
	m.RoutingDuration.Observe(seconds)
}

func (m *Metrics) ObserveScoring(outcome string, alertsCreated int) {
	if m == nil {
		return
	}
	m.ScoringSubjects.WithLabelValues(outcome).Inc()
	m.AlertsCreated.Add(float64(alertsCreated))
}

func (m *Metrics) ObserveSweep(expired int) {
	if m == nil {
		return
	}
	m.SweepsTotal.Inc()
	m.AlertsExpired.Add(float64(expired))
}

func (m *Metrics) ObserveCache(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequests.WithLabelValues(cache, result).Inc()
}
