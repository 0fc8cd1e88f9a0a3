package nameserver

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the name server's Prometheus collectors on an isolated
// registry so parallel tests never collide on the default one.
type Metrics struct {
	Registry *prometheus.Registry

	Requests  *prometheus.CounterVec
	Evictions prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drift_ns_requests_total",
			Help: "Name server requests by kind.",
		}, []string{"kind"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drift_ns_evictions_total",
			Help: "Addresses evicted after a liveness probe dropped.",
		}),
	}
	reg.MustRegister(m.Requests, m.Evictions)
	return m
}
