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
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// SessionsTotal tracks support sessions created.
	SessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "support_sessions_total",
			Help: "Total support sessions created",
		},
	)

	// MessagesTotal tracks stored messages by author.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_messages_total",
			Help: "Total support messages stored",
		},
		[]string{"author"},
	)

	// PollsTotal tracks polls by whether they returned anything.
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_polls_total",
			Help: "Total unread polls",
		},
		[]string{"result"},
	)

	// RelayFailuresTotal tracks failed hand-offs to the operator channel.
	RelayFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_relay_failures_total",
			Help: "Total failed relays to the operator channel",
		},
		[]string{"stage"},
	)

	// SessionsEvicted tracks sessions removed by idle expiry.
	SessionsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "support_sessions_evicted_total",
			Help: "Total support sessions evicted after idling",
		},
	)

	// NATSConnected is 1 while the relay bus connection is up.
	NATSConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "support_nats_connected",
			Help: "Whether the relay bus connection is up",
		},
	)

	// NATSReconnectsTotal tracks relay bus reconnects.
	NATSReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "support_nats_reconnects_total",
			Help: "Total relay bus reconnects",
		},
	)

	// WebhookUpdatesTotal tracks operator webhook updates by outcome.
	WebhookUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_webhook_updates_total",
			Help: "Total operator webhook updates received",
		},
		[]string{"outcome"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordPoll records the outcome of an unread poll.
func RecordPoll(delivered int) {
	if delivered == 0 {
		PollsTotal.WithLabelValues("empty").Inc()
		return
	}
	PollsTotal.WithLabelValues("delivered").Inc()
}
