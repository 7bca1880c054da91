// Package metrics provides Prometheus instrumentation for the conversation
// client and the development relay. It exposes counters for push and typing
// traffic, gauges for connection state and unread totals, and histograms for
// request latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ChannelConnected is 1 while the client push channel is connected.
	ChannelConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "convsync_channel_connected",
		Help: "Whether the push channel is currently connected (1) or not (0)",
	})

	// ChannelConnectFailures counts failed channel connection attempts.
	ChannelConnectFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "convsync_channel_connect_failures_total",
		Help: "Total number of failed push channel connection attempts",
	})

	// EventsTotal counts push events applied by the sync core, labeled by
	// event type and outcome ("applied", "duplicate", "ignored").
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "convsync_events_total",
		Help: "Total number of push events handled by the sync core",
	}, []string{"type", "outcome"})

	// TypingSignalsTotal counts outbound typing signals, labeled by state.
	TypingSignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "convsync_typing_signals_total",
		Help: "Total number of outbound typing signals",
	}, []string{"state"}) // state = "start", "stop"

	// UnreadTotal tracks the sum of unread counts over all known threads.
	UnreadTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "convsync_unread_total",
		Help: "Sum of unread message counts over all known threads",
	})

	// HistoryRequestDuration records history API latency by operation.
	HistoryRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "convsync_history_request_duration_seconds",
		Help:    "History API request latency in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"op", "result"})

	// RelayConnections tracks the current number of relay WebSocket connections.
	RelayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "convsync_relay_connections",
		Help: "Current number of active relay WebSocket connections",
	})

	// RelayMessagesTotal counts relay message operations, labeled by type:
	// "stored", "delivered" or "rate_limited".
	RelayMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "convsync_relay_messages_total",
		Help: "Total number of messages processed by the relay",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		ChannelConnected,
		ChannelConnectFailures,
		EventsTotal,
		TypingSignalsTotal,
		UnreadTotal,
		HistoryRequestDuration,
		RelayConnections,
		RelayMessagesTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
