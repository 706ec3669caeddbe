package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/statlake/statlake/pkg/event"
	"github.com/statlake/statlake/pkg/storage"
)

// Store keeps events in memory. Data is lost on restart. Useful for
// testing and development; it honors the same partition lifecycle as the
// badger backend so lifecycle and rollup tests run without disk.
type Store struct {
	mu     sync.RWMutex
	events []storage.StoredEvent
	seq    uint64
	state  map[storage.PartitionID]storage.PartitionState
}

// New creates an in-memory store.
func New() *Store {
	return &Store{
		events: make([]storage.StoredEvent, 0, 10000),
		state:  make(map[storage.PartitionID]storage.PartitionState),
	}
}

// AppendBatch stores a batch atomically.
func (s *Store) AppendBatch(ctx context.Context, events []event.Enriched) ([]storage.PartitionID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	touched := make(map[storage.PartitionID]bool)
	for _, ev := range events {
		day := storage.PartitionOf(ev.Timestamp)
		if st := s.state[day]; st == storage.PartitionCompressed || st == storage.PartitionExpired {
			return nil, fmt.Errorf("day %d: %w", day, storage.ErrPartitionCompressed)
		}
		touched[day] = true
	}
	for _, ev := range events {
		s.seq++
		day := storage.PartitionOf(ev.Timestamp)
		if _, ok := s.state[day]; !ok {
			s.state[day] = storage.PartitionOpen
		}
		s.events = append(s.events, storage.StoredEvent{Seq: s.seq, Enriched: ev})
	}

	days := make([]storage.PartitionID, 0, len(touched))
	for day := range touched {
		days = append(days, day)
	}
	return days, nil
}

// Query retrieves events matching the request.
func (s *Store) Query(ctx context.Context, q storage.Query) ([]storage.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var results []storage.StoredEvent
	for _, ev := range s.events {
		if q.Matches(ev) {
			results = append(results, ev)
		}
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if q.Descending {
			a, b = b, a
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Seq < b.Seq
	})
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// Partitions lists every known day partition.
func (s *Store) Partitions(ctx context.Context) ([]storage.PartitionInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make(map[storage.PartitionID]int64)
	for _, ev := range s.events {
		rows[storage.PartitionOf(ev.Timestamp)]++
	}

	infos := make([]storage.PartitionInfo, 0, len(s.state))
	for day, st := range s.state {
		infos = append(infos, storage.PartitionInfo{Day: day, State: st, Rows: rows[day]})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Day < infos[j].Day })
	return infos, nil
}

// CompressPartition flips a partition read-only. The in-memory backend
// keeps the rows as-is; only the write rejection matters for tests.
func (s *Store) CompressPartition(ctx context.Context, day storage.PartitionID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state[day] {
	case storage.PartitionExpired:
		return fmt.Errorf("day %d: partition already expired", day)
	case storage.PartitionCompressed:
		return nil
	}
	s.state[day] = storage.PartitionCompressed
	return nil
}

// DropPartition removes a compressed partition's events.
func (s *Store) DropPartition(ctx context.Context, day storage.PartitionID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state[day] {
	case storage.PartitionExpired:
		return nil
	case storage.PartitionCompressed:
	default:
		return fmt.Errorf("day %d: refusing to drop uncompressed partition", day)
	}

	kept := s.events[:0]
	for _, ev := range s.events {
		if storage.PartitionOf(ev.Timestamp) != day {
			kept = append(kept, ev)
		}
	}
	s.events = kept
	s.state[day] = storage.PartitionExpired
	return nil
}

// Stats returns storage statistics.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	infos, err := s.Partitions(ctx)
	if err != nil {
		return nil, err
	}

	stats := &storage.Stats{}
	for _, info := range infos {
		switch info.State {
		case storage.PartitionOpen:
			stats.OpenPartitions++
		case storage.PartitionCompressed:
			stats.CompressedPartitions++
		default:
			continue
		}
		stats.TotalEvents += uint64(info.Rows)
		if stats.OldestEvent.IsZero() || info.Day.Start().Before(stats.OldestEvent) {
			stats.OldestEvent = info.Day.Start()
		}
		if info.Day.End().After(stats.NewestEvent) {
			stats.NewestEvent = info.Day.End()
		}
	}
	return stats, nil
}

// Close is a no-op for the memory backend.
func (s *Store) Close() error { return nil }
