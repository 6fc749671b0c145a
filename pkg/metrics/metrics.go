// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "msgsync_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgsync_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "msgsync_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// SessionsActive tracks open engine sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "msgsync_sessions_active",
			Help: "Number of open messaging sessions",
		},
	)

	// ConnectionTransitions counts connection state changes by target state.
	ConnectionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgsync_connection_transitions_total",
			Help: "Connection state transitions",
		},
		[]string{"to"},
	)

	// ReconnectAttempts counts scheduled reconnection attempts.
	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgsync_reconnect_attempts_total",
			Help: "Reconnection attempts",
		},
	)

	// MessagesSent counts send outcomes.
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgsync_messages_sent_total",
			Help: "Outgoing message attempts by result",
		},
		[]string{"result"},
	)

	// MessageRetries counts resubmissions by what triggered them.
	MessageRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgsync_message_retries_total",
			Help: "Message resubmissions by trigger",
		},
		[]string{"trigger"},
	)

	// MessagesReceived counts messages merged from the transport.
	MessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgsync_messages_received_total",
			Help: "Messages received over the transport",
		},
	)

	// ReadReceipts counts read propagation results.
	ReadReceipts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgsync_read_receipts_total",
			Help: "Read receipt propagation by result",
		},
		[]string{"result"},
	)

	// TypingEvents counts typing indicator events by direction.
	TypingEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgsync_typing_events_total",
			Help: "Typing indicator events",
		},
		[]string{"direction"},
	)

	// NATSStreamMessages tracks messages in the catch-up stream.
	NATSStreamMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "msgsync_nats_stream_messages",
			Help: "Number of messages in NATS stream",
		},
		[]string{"stream"},
	)

	// NATSStreamBytes tracks bytes in the catch-up stream.
	NATSStreamBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "msgsync_nats_stream_bytes",
			Help: "Bytes in NATS stream",
		},
		[]string{"stream"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordConnectionTransition counts a transition into state to.
func RecordConnectionTransition(to string) {
	ConnectionTransitions.WithLabelValues(to).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
