package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the worker's Prometheus instruments on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsActive    prometheus.Gauge
	ConnectionsTotal     prometheus.Counter
	ConnectionsRejected  prometheus.Counter
	MessagesPublished    prometheus.Counter
	MessagesDelivered    prometheus.Counter
	MessagesDeduplicated prometheus.Counter
	EntriesAutoAcked     prometheus.Counter
	PollDuration         prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections_active",
			Help: "Currently attached WebSocket connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "Connections accepted since start.",
		}),
		ConnectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_connections_rejected_total",
			Help: "Connections rejected by the rate limiter.",
		}),
		MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_messages_published_total",
			Help: "Messages appended to store streams by this worker.",
		}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_messages_delivered_total",
			Help: "Messages delivered to local connections.",
		}),
		MessagesDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_messages_deduplicated_total",
			Help: "Duplicate deliveries suppressed by the dedup cache.",
		}),
		EntriesAutoAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_entries_auto_acked_total",
			Help: "Stream entries acked without delivery (stale, echo or unsubscribed).",
		}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_poll_duration_seconds",
			Help:    "Duration of one poll-and-deliver tick.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.ConnectionsRejected,
		m.MessagesPublished,
		m.MessagesDelivered,
		m.MessagesDeduplicated,
		m.EntriesAutoAcked,
		m.PollDuration,
	)
	return m
}
