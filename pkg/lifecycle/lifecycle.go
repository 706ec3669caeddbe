// Package lifecycle ages day partitions through their states: open
// partitions past the compression boundary are rewritten into their
// read-only form, and compressed partitions past the retention boundary
// are dropped. Dropping an uncompressed partition is never allowed, so
// a stalled compression holds back retention for that day rather than
// destroying rows that were never rewritten.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/statlake/statlake/pkg/catalog"
	"github.com/statlake/statlake/pkg/obs"
	"github.com/statlake/statlake/pkg/storage"
)

const (
	// DefaultCompressAfter is how long a day partition stays open.
	DefaultCompressAfter = 7 * 24 * time.Hour
	// DefaultRetainFor is how long raw data is kept in any form.
	DefaultRetainFor = 90 * 24 * time.Hour
)

// Config holds the aging boundaries.
type Config struct {
	CompressAfter time.Duration
	RetainFor     time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.CompressAfter <= 0 {
		out.CompressAfter = DefaultCompressAfter
	}
	if out.RetainFor <= 0 {
		out.RetainFor = DefaultRetainFor
	}
	return out
}

// Validate rejects boundary orderings that would destroy data rollups
// still need: retention must not precede compression, and compression
// must stay beyond the widest rollup refresh window so refreshes read
// writable history.
func (c Config) Validate(maxLookback time.Duration) error {
	cfg := c.withDefaults()
	if cfg.RetainFor < cfg.CompressAfter {
		return fmt.Errorf("retain_for %s is shorter than compress_after %s", cfg.RetainFor, cfg.CompressAfter)
	}
	if cfg.CompressAfter <= maxLookback {
		return fmt.Errorf("compress_after %s must exceed the widest rollup lookback %s", cfg.CompressAfter, maxLookback)
	}
	return nil
}

// Manager runs lifecycle sweeps over the store, mirroring state changes
// into the catalog manifest.
type Manager struct {
	store   storage.Store
	catalog *catalog.Catalog
	cfg     Config
	metrics *obs.Metrics
	now     func() time.Time

	mu   sync.Mutex
	busy map[storage.PartitionID]bool
}

// NewManager builds a manager. The catalog may be nil in tests; state
// changes are then not mirrored.
func NewManager(store storage.Store, cat *catalog.Catalog, cfg Config, metrics *obs.Metrics) *Manager {
	if metrics == nil {
		metrics = obs.New()
	}
	return &Manager{
		store:   store,
		catalog: cat,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		now:     time.Now,
		busy:    make(map[storage.PartitionID]bool),
	}
}

// Sweep runs one full pass: compression first, then retention, so a
// partition overdue on both counts is rewritten before it is dropped.
// Individual partition failures are logged and counted; the sweep
// continues and returns the last error.
func (m *Manager) Sweep(ctx context.Context) error {
	parts, err := m.store.Partitions(ctx)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	now := m.now().UTC()
	compressBefore := now.Add(-m.cfg.CompressAfter)
	dropBefore := now.Add(-m.cfg.RetainFor)

	var lastErr error
	for _, p := range parts {
		if p.State != storage.PartitionOpen || p.Day.End().After(compressBefore) {
			continue
		}
		if err := m.compress(ctx, p.Day); err != nil {
			log.Printf("lifecycle: compress day %d: %v", p.Day, err)
			m.metrics.LifecycleFailures.Inc()
			lastErr = err
		}
	}

	// Re-list so partitions compressed above are eligible for retention
	// in the same sweep.
	parts, err = m.store.Partitions(ctx)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	for _, p := range parts {
		if p.Day.End().After(dropBefore) {
			continue
		}
		switch p.State {
		case storage.PartitionExpired:
			continue
		case storage.PartitionOpen:
			// Compression stalled. Retention waits for it.
			log.Printf("lifecycle: day %d past retention but not compressed, holding drop", p.Day)
			continue
		}
		if err := m.drop(ctx, p.Day); err != nil {
			log.Printf("lifecycle: drop day %d: %v", p.Day, err)
			m.metrics.LifecycleFailures.Inc()
			lastErr = err
		}
	}
	return lastErr
}

// errBusy signals another goroutine is already working the partition.
var errBusy = errors.New("partition operation already in progress")

func (m *Manager) lock(day storage.PartitionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy[day] {
		return errBusy
	}
	m.busy[day] = true
	return nil
}

func (m *Manager) unlock(day storage.PartitionID) {
	m.mu.Lock()
	delete(m.busy, day)
	m.mu.Unlock()
}

func (m *Manager) compress(ctx context.Context, day storage.PartitionID) error {
	if err := m.lock(day); err != nil {
		return err
	}
	defer m.unlock(day)

	if err := m.store.CompressPartition(ctx, day); err != nil {
		return err
	}
	m.metrics.PartitionsCompressed.Inc()
	if m.catalog != nil {
		if err := m.catalog.EnsurePartitions(ctx, []storage.PartitionID{day}); err != nil {
			return err
		}
		if err := m.catalog.MarkCompressed(ctx, day); err != nil {
			return fmt.Errorf("mark compressed in catalog: %w", err)
		}
	}
	log.Printf("lifecycle: compressed day %d", day)
	return nil
}

func (m *Manager) drop(ctx context.Context, day storage.PartitionID) error {
	if err := m.lock(day); err != nil {
		return err
	}
	defer m.unlock(day)

	if err := m.store.DropPartition(ctx, day); err != nil {
		return err
	}
	m.metrics.PartitionsDropped.Inc()
	if m.catalog != nil {
		if err := m.catalog.EnsurePartitions(ctx, []storage.PartitionID{day}); err != nil {
			return err
		}
		if err := m.catalog.MarkDropped(ctx, day); err != nil {
			return fmt.Errorf("mark dropped in catalog: %w", err)
		}
	}
	log.Printf("lifecycle: dropped day %d", day)
	return nil
}
