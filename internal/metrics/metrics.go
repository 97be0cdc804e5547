package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "netplay"

var (
	SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_created_total",
		Help:      "Number of netplay sessions created.",
	})

	SessionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_closed_total",
		Help:      "Number of sessions moved to closed, by reason.",
	}, []string{"reason"})

	CapacityRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capacity_rejections_total",
		Help:      "Session creations refused by a capacity ceiling.",
	}, []string{"limit"})

	ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "connected_clients",
		Help:      "Signaling connections admitted to a room on this process.",
	})

	HandshakeRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "handshake_rejections_total",
		Help:      "Signaling handshakes refused before upgrade, by error code.",
	}, []string{"code"})

	SignalsRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "signals_relayed_total",
		Help:      "Signal messages persisted and relayed, by delivery mode.",
	}, []string{"mode"})

	BrokerEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "published_events_total",
		Help:      "Room events published to Redis, by event name.",
	}, []string{"event"})
)

func init() {
	prometheus.MustRegister(
		SessionsCreated,
		SessionsClosed,
		CapacityRejections,
		ConnectedClients,
		HandshakeRejections,
		SignalsRelayed,
		BrokerEvents,
	)
}
