package chatserver

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the chat server's Prometheus collectors. The registry is
// isolated per server instance so tests can run several servers in one
// process.
type Metrics struct {
	Registry *prometheus.Registry

	Messages         prometheus.Counter
	Connects         *prometheus.CounterVec
	ReplicationSyncs *prometheus.CounterVec
	Migrations       *prometheus.CounterVec
	ConnectedUsers   prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Messages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drift_messages_total",
			Help: "Chat messages appended to the transcript.",
		}),
		Connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drift_connects_total",
			Help: "User connection attempts by result.",
		}, []string{"result"}),
		ReplicationSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drift_replication_syncs_total",
			Help: "Index reservations exchanged with the replica.",
		}, []string{"direction"}),
		Migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drift_migrations_total",
			Help: "Migration attempts by outcome.",
		}, []string{"result"}),
		ConnectedUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drift_connected_users",
			Help: "Live (non-tombstoned) users on this server.",
		}),
	}
	reg.MustRegister(m.Messages, m.Connects, m.ReplicationSyncs, m.Migrations, m.ConnectedUsers)
	return m
}
