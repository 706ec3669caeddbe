// Package obs exposes the pipeline's degradation counters. The
// ingestion path absorbs every failure locally, so these counters are
// the only externally visible signal that events are being dropped,
// batches lost, or refreshes failing.
package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every prometheus instrument used by the pipeline.
type Metrics struct {
	registry *prometheus.Registry

	// Producer
	EventsEnqueued prometheus.Counter
	EventsDropped  prometheus.Counter

	// Batch worker
	BatchesFlushed prometheus.Counter
	BatchesLost    prometheus.Counter
	EventsWritten  prometheus.Counter
	FlushRetries   prometheus.Counter

	// Aggregation engine, labeled by definition name
	RefreshRuns     *prometheus.CounterVec
	RefreshFailures *prometheus.CounterVec

	// Lifecycle manager
	PartitionsCompressed prometheus.Counter
	PartitionsDropped    prometheus.Counter
	LifecycleFailures    prometheus.Counter
}

// New creates and registers the full instrument set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "statlake_events_enqueued_total",
			Help: "Events accepted onto the ingestion queue.",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "statlake_events_dropped_total",
			Help: "Events dropped because the queue was full or shutting down.",
		}),
		BatchesFlushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "statlake_batches_flushed_total",
			Help: "Batches successfully bulk-written.",
		}),
		BatchesLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "statlake_batches_lost_total",
			Help: "Batches discarded after exhausting flush retries.",
		}),
		EventsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "statlake_events_written_total",
			Help: "Events durably written to the raw store.",
		}),
		FlushRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "statlake_flush_retries_total",
			Help: "Flush attempts beyond the first, per batch.",
		}),
		RefreshRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "statlake_refresh_runs_total",
			Help: "Completed continuous aggregate refresh runs.",
		}, []string{"definition"}),
		RefreshFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "statlake_refresh_failures_total",
			Help: "Aggregate refresh runs abandoned due to an error.",
		}, []string{"definition"}),
		PartitionsCompressed: factory.NewCounter(prometheus.CounterOpts{
			Name: "statlake_partitions_compressed_total",
			Help: "Raw partitions converted to the read-only columnar form.",
		}),
		PartitionsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "statlake_partitions_dropped_total",
			Help: "Raw partitions dropped past the retention horizon.",
		}),
		LifecycleFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "statlake_lifecycle_failures_total",
			Help: "Failed compression or retention runs.",
		}),
	}
}

// Handler returns the /metrics endpoint for this instrument set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
