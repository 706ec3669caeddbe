package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statlake/statlake/pkg/event"
	"github.com/statlake/statlake/pkg/obs"
)

// mockSink records batches and can fail a configurable number of times.
type mockSink struct {
	mu       sync.Mutex
	batches  [][]event.Enriched
	failures int
	attempts int
}

func (m *mockSink) WriteBatch(ctx context.Context, events []event.Enriched) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts++
	if m.failures > 0 {
		m.failures--
		return errors.New("transient write failure")
	}

	batch := make([]event.Enriched, len(events))
	copy(batch, events)
	m.batches = append(m.batches, batch)
	return nil
}

func (m *mockSink) batchSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sizes := make([]int, len(m.batches))
	for i, b := range m.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func (m *mockSink) totalEvents() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, b := range m.batches {
		total += len(b)
	}
	return total
}

func enqueueN(queue chan event.Enriched, n int) {
	for i := 0; i < n; i++ {
		queue <- event.Enrich(event.APIRequest("api", "/x", "GET", 200, int64(i), nil), "api")
	}
}

func runWorker(t *testing.T, w *Worker) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func TestSizeThresholdSplitsBatches(t *testing.T) {
	// 150 events with batch size 100 → exactly two batches: 100, then 50
	// on the shutdown drain.
	queue := make(chan event.Enriched, 200)
	sink := &mockSink{}
	w := New(queue, sink, Config{BatchSize: 100, FlushInterval: time.Hour}, nil)

	enqueueN(queue, 150)
	stop := runWorker(t, w)

	require.Eventually(t, func() bool { return sink.totalEvents() >= 100 },
		2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []int{100, 50}, sink.batchSizes())
}

func TestSizeThresholdThreeFullBatches(t *testing.T) {
	// 150 events arriving at once with batch size 50 → 3 batches of 50.
	queue := make(chan event.Enriched, 200)
	sink := &mockSink{}
	w := New(queue, sink, Config{BatchSize: 50, FlushInterval: time.Hour}, nil)

	enqueueN(queue, 150)
	stop := runWorker(t, w)

	require.Eventually(t, func() bool { return sink.totalEvents() == 150 },
		2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []int{50, 50, 50}, sink.batchSizes())
}

func TestFlushIntervalBoundsStaleness(t *testing.T) {
	queue := make(chan event.Enriched, 10)
	sink := &mockSink{}
	w := New(queue, sink, Config{BatchSize: 100, FlushInterval: 50 * time.Millisecond}, nil)

	stop := runWorker(t, w)
	defer stop()

	enqueueN(queue, 3)

	// A partial batch must flush once the interval elapses.
	require.Eventually(t, func() bool { return sink.totalEvents() == 3 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{3}, sink.batchSizes())
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	queue := make(chan event.Enriched, 10)
	sink := &mockSink{failures: 2}
	m := obs.New()
	w := New(queue, sink, Config{
		BatchSize:     3,
		FlushInterval: time.Hour,
		MaxRetries:    3,
		RetryBackoff:  time.Millisecond,
	}, m)

	enqueueN(queue, 3)
	stop := runWorker(t, w)

	require.Eventually(t, func() bool { return sink.totalEvents() == 3 },
		2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.FlushRetries))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BatchesFlushed))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.BatchesLost))
}

func TestExhaustedRetriesDropBatch(t *testing.T) {
	queue := make(chan event.Enriched, 10)
	sink := &mockSink{failures: 100}
	m := obs.New()
	w := New(queue, sink, Config{
		BatchSize:     2,
		FlushInterval: time.Hour,
		MaxRetries:    2,
		RetryBackoff:  time.Millisecond,
	}, m)

	enqueueN(queue, 2)
	stop := runWorker(t, w)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.BatchesLost) == 1
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	// 1 initial attempt + 2 retries, batch discarded, worker alive.
	assert.Equal(t, 3, sink.attempts)
	assert.Equal(t, 0, sink.totalEvents())
}

func TestShutdownDrainsAndFlushesPartialBatch(t *testing.T) {
	queue := make(chan event.Enriched, 100)
	sink := &mockSink{}
	w := New(queue, sink, Config{BatchSize: 100, FlushInterval: time.Hour}, nil)

	stop := runWorker(t, w)
	enqueueN(queue, 7)
	stop()

	// Everything queued before shutdown is flushed on the way out.
	assert.Equal(t, 7, sink.totalEvents())
}

func TestFlushPreservesEnqueueOrder(t *testing.T) {
	queue := make(chan event.Enriched, 100)
	sink := &mockSink{}
	w := New(queue, sink, Config{BatchSize: 10, FlushInterval: time.Hour}, nil)

	enqueueN(queue, 10)
	stop := runWorker(t, w)
	require.Eventually(t, func() bool { return sink.totalEvents() == 10 },
		2*time.Second, 5*time.Millisecond)
	stop()

	require.Len(t, sink.batches, 1)
	for i, ev := range sink.batches[0] {
		d, ok := ev.Duration()
		require.True(t, ok)
		assert.Equal(t, int64(i), d)
	}
}
