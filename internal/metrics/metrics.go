// Package metrics defines the Prometheus instrumentation shared by the
// sync engine and the replica server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Session metrics
	SessionActivations *prometheus.CounterVec
	SessionTeardowns   prometheus.Counter

	// Replication metrics
	ReplicationDocs    *prometheus.CounterVec
	ReplicationErrors  *prometheus.CounterVec
	ReplicationRetries *prometheus.CounterVec
	ReplicationState   *prometheus.GaugeVec

	// Conflict metrics
	UpdateConflicts *prometheus.CounterVec

	// Feed metrics
	FeedEvents *prometheus.CounterVec

	// Server metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	CursorsReaped   prometheus.Counter
}

// New creates metrics registered against the given registerer.
// Tests pass a fresh registry to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionActivations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sketchsync_session_activations_total",
				Help: "Total number of tenant session activations",
			},
			[]string{"result"},
		),

		SessionTeardowns: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sketchsync_session_teardowns_total",
				Help: "Total number of tenant session teardowns",
			},
		),

		ReplicationDocs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sketchsync_replication_docs_total",
				Help: "Total number of documents shipped by the replication driver",
			},
			[]string{"direction"},
		),

		ReplicationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sketchsync_replication_errors_total",
				Help: "Total number of non-fatal replication stream errors",
			},
			[]string{"direction"},
		),

		ReplicationRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sketchsync_replication_retries_total",
				Help: "Total number of replication retry attempts",
			},
			[]string{"direction"},
		),

		ReplicationState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sketchsync_replication_state",
				Help: "Current replication stream state (0=paused, 1=active, 2=error)",
			},
			[]string{"direction"},
		),

		UpdateConflicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sketchsync_update_conflicts_total",
				Help: "Total number of stale-revision write conflicts observed",
			},
			[]string{"kind"},
		),

		FeedEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sketchsync_feed_events_total",
				Help: "Total number of change feed events folded into projections",
			},
			[]string{"kind"},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sketchsync_server_requests_total",
				Help: "Total number of replica server requests",
			},
			[]string{"method", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sketchsync_server_request_duration_seconds",
				Help:    "Duration of replica server request processing",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		CursorsReaped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sketchsync_cursors_reaped_total",
				Help: "Total number of stale cursor documents deleted by the reaper",
			},
		),
	}
}
