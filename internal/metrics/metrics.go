// Package metrics provides Prometheus instrumentation for the realtime
// service: connection and presence gauges, event bus throughput and handler
// failures, delivery outcomes, typing timeouts, and cluster relay traffic.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks users with at least one connection on this node.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_online_users",
		Help: "Current number of users with at least one connection",
	})

	// EventsPublished counts events published on the in-process bus.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_published_total",
		Help: "Total number of events published on the event bus",
	}, []string{"type"})

	// HandlerFailures counts bus handler invocations that returned an error
	// or panicked.
	HandlerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_handler_failures_total",
		Help: "Total number of failed event handler invocations",
	}, []string{"type", "kind"}) // kind = "error", "panic"

	// Deliveries counts transport deliveries issued by the delivery handler.
	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_deliveries_total",
		Help: "Total number of real-time deliveries by outcome",
	}, []string{"type", "result"}) // result = "sent", "dropped", "failed"

	// DeliveryLatency records the time spent handling one event.
	DeliveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "realtime_delivery_latency_seconds",
		Help:    "Event delivery latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// TypingTimeouts counts typing indicators stopped by the debounce timer.
	TypingTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_typing_timeouts_total",
		Help: "Total number of typing indicators expired by timeout",
	})

	// RelayMessages counts events crossing the cluster relay.
	RelayMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_relay_messages_total",
		Help: "Total number of events relayed between nodes",
	}, []string{"direction"}) // direction = "out", "in"
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		EventsPublished,
		HandlerFailures,
		Deliveries,
		DeliveryLatency,
		TypingTimeouts,
		RelayMessages,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
