// Package metrics provides Prometheus instrumentation for the agora live
// server. It exposes gauges for connections and rooms, counters for chat
// events and notifications, and a histogram for event handling latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agora_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of users with a registered push target.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agora_online_users",
		Help: "Current number of users with a live connection",
	})

	// ActiveRooms tracks the number of topic rooms with at least one member.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agora_active_rooms",
		Help: "Current number of topic rooms with members",
	})

	// EventsTotal counts inbound client events by type and outcome
	// ("ok", "error", "rate_limited").
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_events_total",
		Help: "Total number of client events handled",
	}, []string{"type", "outcome"})

	// EventLatency records event handling latency in seconds.
	EventLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agora_event_latency_seconds",
		Help:    "Client event handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"type"})

	// MessagesHidden counts messages hidden by the report threshold.
	MessagesHidden = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agora_messages_hidden_total",
		Help: "Total number of chat messages hidden by community reports",
	})

	// NotificationsTotal counts notifications by delivery path:
	// "stored" (persisted row) or "pushed" (live new_notification frame).
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_notifications_total",
		Help: "Total number of notifications stored and pushed",
	}, []string{"path"})

	// TriggerJobs counts broadcast trigger jobs by outcome
	// ("queued", "dropped", "done").
	TriggerJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_notification_trigger_jobs_total",
		Help: "Notification broadcast trigger jobs by outcome",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		ActiveRooms,
		EventsTotal,
		EventLatency,
		MessagesHidden,
		NotificationsTotal,
		TriggerJobs,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
