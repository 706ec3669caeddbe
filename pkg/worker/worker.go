// Package worker drains the ingestion queue, groups events into
// batches, and issues bulk writes. Exactly one Worker must consume a
// given queue; its flush-timer staleness bound assumes a single
// sequential consumer.
package worker

import (
	"context"
	"log"
	"time"

	"github.com/statlake/statlake/pkg/event"
	"github.com/statlake/statlake/pkg/obs"
)

// Defaults chosen so a busy service flushes on size and a quiet one
// flushes within the interval.
const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 10 * time.Second
	DefaultMaxRetries    = 3
	DefaultRetryBackoff  = 500 * time.Millisecond

	flushTimeout = 5 * time.Second
)

// Config holds batch worker configuration.
type Config struct {
	// BatchSize flushes a batch as soon as it holds this many events.
	BatchSize int

	// FlushInterval bounds staleness: a timer armed on the first append
	// to an empty batch forces a flush even if the batch is not full.
	FlushInterval time.Duration

	// MaxRetries bounds how many times a failed flush is retried before
	// the batch is dropped.
	MaxRetries int

	// RetryBackoff is the base delay between retries; it doubles per
	// attempt.
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	return c
}

// Worker is the single consumer of one ingestion queue.
type Worker struct {
	cfg     Config
	events  <-chan event.Enriched
	sink    Sink
	metrics *obs.Metrics

	batch []event.Enriched
}

// New creates a batch worker reading from events and bulk-writing to
// sink.
func New(events <-chan event.Enriched, sink Sink, cfg Config, m *obs.Metrics) *Worker {
	if m == nil {
		m = obs.New()
	}
	cfg = cfg.withDefaults()
	return &Worker{
		cfg:     cfg,
		events:  events,
		sink:    sink,
		metrics: m,
		batch:   make([]event.Enriched, 0, cfg.BatchSize),
	}
}

// Run executes until the context is cancelled. On cancellation it
// finishes any flush in progress, drains what is still queued, issues
// one final best-effort flush, and returns nil.
func (w *Worker) Run(ctx context.Context) error {
	timer := time.NewTimer(w.cfg.FlushInterval)
	if !timer.Stop() {
		<-timer.C
	}
	timerArmed := false

	disarm := func() {
		if timerArmed && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timerArmed = false
	}

	for {
		select {
		case ev := <-w.events:
			w.batch = append(w.batch, ev)
			if len(w.batch) == 1 {
				timer.Reset(w.cfg.FlushInterval)
				timerArmed = true
			}
			if len(w.batch) >= w.cfg.BatchSize {
				disarm()
				w.flush()
			}

		case <-timer.C:
			// Interval elapsed since the first event of this batch:
			// flush even though the batch is not full.
			timerArmed = false
			w.flush()

		case <-ctx.Done():
			disarm()
			w.drain()
			w.flush()
			return nil
		}
	}
}

// drain moves whatever is still buffered in the queue into the batch,
// flushing at the size threshold as it goes.
func (w *Worker) drain() {
	for {
		select {
		case ev := <-w.events:
			w.batch = append(w.batch, ev)
			if len(w.batch) >= w.cfg.BatchSize {
				w.flush()
			}
		default:
			return
		}
	}
}

// flush bulk-writes the current batch, retrying with exponential
// backoff. Exhausting the retries drops the batch: losing one batch is
// preferred over backing pressure up into producers. The loss is
// counted and logged, never propagated.
func (w *Worker) flush() {
	if len(w.batch) == 0 {
		return
	}

	size := len(w.batch)
	var lastErr error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			w.metrics.FlushRetries.Inc()
			time.Sleep(w.cfg.RetryBackoff << (attempt - 1))
		}

		// The flush gets its own deadline so a shutdown-time flush still
		// completes rather than being aborted mid-write.
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		lastErr = w.sink.WriteBatch(ctx, w.batch)
		cancel()

		if lastErr == nil {
			w.metrics.BatchesFlushed.Inc()
			w.metrics.EventsWritten.Add(float64(size))
			w.batch = w.batch[:0]
			return
		}
	}

	log.Printf("worker: dropping batch of %d events after %d attempts: %v",
		size, w.cfg.MaxRetries+1, lastErr)
	w.metrics.BatchesLost.Inc()
	w.batch = w.batch[:0]
}
