package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the broker's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry            *prometheus.Registry
	idpRequests         *prometheus.CounterVec
	idpDuration         *prometheus.HistogramVec
	adminTokenRefreshes *prometheus.CounterVec
	logins              *prometheus.CounterVec
}

// NewMetrics registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		idpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kcbroker",
			Name:      "idp_requests_total",
			Help:      "Calls made to the identity provider by operation and outcome.",
		}, []string{"operation", "outcome"}),
		idpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kcbroker",
			Name:      "idp_request_duration_seconds",
			Help:      "Latency of identity provider calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		adminTokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kcbroker",
			Name:      "admin_token_refreshes_total",
			Help:      "Admin token refreshes by outcome.",
		}, []string{"outcome"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kcbroker",
			Name:      "logins_total",
			Help:      "End-user logins by flow and outcome.",
		}, []string{"flow", "outcome"}),
	}
	m.registry.MustRegister(
		m.idpRequests,
		m.idpDuration,
		m.adminTokenRefreshes,
		m.logins,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeIdP(operation string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.idpRequests.WithLabelValues(operation, outcome(err)).Inc()
	m.idpDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) adminTokenRefreshed(err error) {
	if m == nil {
		return
	}
	m.adminTokenRefreshes.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) login(flow string, err error) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(flow, outcome(err)).Inc()
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return KindOf(err).String()
}
