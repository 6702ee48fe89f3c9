// Package metrics exposes Prometheus instrumentation for shellkeeper.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shellkeeper_sessions_active",
		Help: "The current number of live shell sessions.",
	})
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shellkeeper_sessions_created_total",
		Help: "The total number of shell sessions created.",
	})
	SessionCreateFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shellkeeper_session_create_failures_total",
		Help: "The total number of failed session creations.",
	}, []string{"kind"})
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shellkeeper_sessions_closed_total",
		Help: "The total number of sessions closed.",
	}, []string{"reason"})

	// Output metrics
	OutputBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shellkeeper_output_bytes_total",
		Help: "The total number of decoded output bytes buffered.",
	})
	DroppedOutputBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shellkeeper_output_dropped_bytes_total",
		Help: "The total number of output bytes discarded by a full buffer.",
	})

	// Delivery metrics
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shellkeeper_events_published_total",
		Help: "The total number of events published.",
	}, []string{"backend"})
	PublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shellkeeper_event_publish_retries_total",
		Help: "The total number of retries when publishing events.",
	}, []string{"backend"})

	// Auth metrics
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shellkeeper_auth_failures_total",
		Help: "The total number of rejected API requests.",
	}, []string{"reason"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
