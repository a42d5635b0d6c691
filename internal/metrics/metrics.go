// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is the Prometheus registry used by this package
	Registry = prometheus.NewRegistry()

	// SessionsConnected is 1 for every registered network session
	SessionsConnected = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_sessions_connected",
			Help: "Network sessions currently connected, by user and network",
		},
		[]string{"user", "network"},
	)

	// ReconnectAttempts counts scheduled reconnects
	ReconnectAttempts = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_reconnect_attempts_total",
			Help: "Reconnect attempts scheduled after a transport close",
		},
		[]string{"user", "network"},
	)

	// FactsHandled counts decoded transport facts by kind
	FactsHandled = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_facts_handled_total",
			Help: "Transport facts processed by session loops",
		},
		[]string{"fact"},
	)

	// HandlerFailures counts recovered panics in fact handlers
	HandlerFailures = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Name: "relay_handler_failures_total",
			Help: "Fact handlers that panicked and were recovered",
		},
	)

	// QueriesSent counts outbound throttled queries by command
	QueriesSent = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_queries_sent_total",
			Help: "WHO/WHOIS/WHOWAS/MODE/MONITOR lines written by the query throttler",
		},
		[]string{"command"},
	)

	// EventsPublished counts events fanned out to attached clients
	EventsPublished = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_published_total",
			Help: "Events published to attached clients, by type",
		},
		[]string{"type"},
	)

	// Attachments is the number of attached clients
	Attachments = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_attachments",
			Help: "Currently attached clients",
		},
	)

	// AuthFailures counts rejected device logins
	AuthFailures = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Name: "relay_auth_failures_total",
			Help: "Websocket attach attempts rejected for bad credentials",
		},
	)

	// AttachmentsDropped counts clients detached for falling behind
	AttachmentsDropped = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Name: "relay_attachments_dropped_total",
			Help: "Clients detached because their queue was full",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
