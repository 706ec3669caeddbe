// Package client is the producer side of the pipeline: business logic
// hands it typed events and continues immediately. Enrichment, queueing,
// batching, and persistence all happen behind the Track call, and no
// downstream failure is ever surfaced to the caller.
package client

import (
	"sync/atomic"

	"github.com/statlake/statlake/pkg/event"
	"github.com/statlake/statlake/pkg/obs"
)

// DefaultQueueCapacity bounds the ingestion queue. A bounded queue with
// a drop policy is deliberate: under sustained overload we shed events
// rather than grow memory without limit or push backpressure into
// request handlers.
const DefaultQueueCapacity = 10_000

// Config holds producer configuration.
type Config struct {
	// Service is the identity stamped onto every tracked event.
	Service string

	// Environment overrides the ENVIRONMENT stamp on enriched events.
	// Empty keeps the process environment variable.
	Environment string

	// QueueCapacity bounds the ingestion queue (default 10_000).
	QueueCapacity int
}

// Client accepts events from business logic and enqueues them for the
// batch worker. All methods are safe for concurrent use; Track never
// blocks and never returns an error.
type Client struct {
	service     string
	environment string
	queue       chan event.Enriched
	metrics     *obs.Metrics

	closed  atomic.Bool
	dropped atomic.Uint64
}

// New creates a producer client.
func New(cfg Config, m *obs.Metrics) *Client {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if m == nil {
		m = obs.New()
	}
	return &Client{
		service:     cfg.Service,
		environment: cfg.Environment,
		queue:       make(chan event.Enriched, capacity),
		metrics:     m,
	}
}

// Noop returns a client whose events go nowhere. For tests and for
// services that run with analytics disabled.
func Noop() *Client {
	c := New(Config{Service: "noop", QueueCapacity: 1}, nil)
	c.closed.Store(true)
	return c
}

// Track enriches an event and attempts to enqueue it. If the queue is
// full or shutdown has begun, the event is dropped and counted; the
// caller never notices. Within one producer, enqueue order is preserved.
func (c *Client) Track(ev event.Event) {
	if c.closed.Load() {
		c.drop()
		return
	}

	enriched := event.Enrich(ev, c.service)
	if c.environment != "" {
		enriched.Environment = c.environment
	}
	select {
	case c.queue <- enriched:
		c.metrics.EventsEnqueued.Inc()
	default:
		// Queue full: shed the incoming event. Availability over
		// durability.
		c.drop()
	}
}

// TrackIf tracks an event only when the condition holds.
func (c *Client) TrackIf(condition bool, ev event.Event) {
	if condition {
		c.Track(ev)
	}
}

// Close begins shutdown: every Track from here on is rejected and
// counted as dropped. Events already queued remain available to the
// worker's final drain.
func (c *Client) Close() {
	c.closed.Store(true)
}

// Events exposes the consumption end of the queue. Exactly one batch
// worker should drain it.
func (c *Client) Events() <-chan event.Enriched {
	return c.queue
}

// Dropped reports how many events have been shed so far.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *Client) drop() {
	c.dropped.Add(1)
	c.metrics.EventsDropped.Inc()
}
