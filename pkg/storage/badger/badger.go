package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/statlake/statlake/pkg/event"
	"github.com/statlake/statlake/pkg/storage"
)

// Store implements storage.Store on BadgerDB (LSM tree). Raw rows are
// laid out time-ascending inside per-day partitions; secondary indexes
// cover actor, kind, service, and arbitrary payload fields.
type Store struct {
	db *badger.DB

	mu         sync.Mutex
	nextSeq    uint64
	compressed map[storage.PartitionID]bool
	expired    map[storage.PartitionID]bool
}

// Config holds BadgerDB configuration.
type Config struct {
	// Path to store database files.
	Path string

	// InMemory mode (for testing).
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = conservative
	// defaults suitable for a sidecar process).
	MaxMemoryMB int64
}

// partitionMeta is the persisted per-partition record behind the 'm' keys.
type partitionMeta struct {
	State storage.PartitionState `json:"state"`
	Rows  int64                  `json:"rows"`
}

// New opens a BadgerDB-backed event store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	// Bounded caches; badger's defaults assume a dedicated database host.
	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	s := &Store{
		db:         db,
		compressed: make(map[storage.PartitionID]bool),
		expired:    make(map[storage.PartitionID]bool),
	}
	if err := s.recoverState(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// recoverState reloads the seq counter and partition states so that
// surrogate ids stay monotonic across restarts.
func (s *Store) recoverState() error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keySeqCounter))
		if err == nil {
			if err := item.Value(func(val []byte) error {
				s.nextSeq = binary.BigEndian.Uint64(val)
				return nil
			}); err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte{prefixMeta}})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			day := parseMetaKey(it.Item().Key())
			var meta partitionMeta
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			}); err != nil {
				return fmt.Errorf("corrupt partition meta for day %d: %w", day, err)
			}
			switch meta.State {
			case storage.PartitionCompressed:
				s.compressed[day] = true
			case storage.PartitionExpired:
				s.expired[day] = true
			}
		}
		return nil
	})
}

// AppendBatch bulk-writes a batch in a single transaction. Either every
// row lands or none does, so concurrent snapshot readers never see a
// half-committed batch.
func (s *Store) AppendBatch(ctx context.Context, events []event.Enriched) ([]storage.PartitionID, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Seq assignment and the rejection check happen under the lock so a
	// concurrent compression can't race a write into a sealed partition.
	s.mu.Lock()
	for _, ev := range events {
		day := storage.PartitionOf(ev.Timestamp)
		if s.compressed[day] || s.expired[day] {
			s.mu.Unlock()
			return nil, fmt.Errorf("day %d: %w", day, storage.ErrPartitionCompressed)
		}
	}
	firstSeq := s.nextSeq + 1
	s.nextSeq += uint64(len(events))
	lastSeq := s.nextSeq
	s.mu.Unlock()

	touched := make(map[storage.PartitionID]int64)

	err := s.db.Update(func(txn *badger.Txn) error {
		seq := firstSeq
		for i, ev := range events {
			if i%100 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			stored := storage.StoredEvent{Seq: seq, Enriched: ev}
			day := storage.PartitionOf(ev.Timestamp)
			touched[day]++

			value, err := json.Marshal(stored)
			if err != nil {
				return fmt.Errorf("failed to encode event: %w", err)
			}
			primary := rowKey(day, ev.Timestamp, seq)
			if err := txn.Set(primary, value); err != nil {
				return fmt.Errorf("failed to write event: %w", err)
			}
			for _, idx := range indexKeysFor(stored) {
				if err := txn.Set(idx, primary); err != nil {
					return fmt.Errorf("failed to write index: %w", err)
				}
			}
			seq++
		}

		for day, rows := range touched {
			if err := s.bumpMeta(txn, day, rows); err != nil {
				return err
			}
		}

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, lastSeq)
		return txn.Set([]byte(keySeqCounter), buf)
	})
	if err != nil {
		return nil, err
	}

	days := make([]storage.PartitionID, 0, len(touched))
	for day := range touched {
		days = append(days, day)
	}
	return days, nil
}

// bumpMeta lazily creates a partition record on first write and keeps
// its row count current.
func (s *Store) bumpMeta(txn *badger.Txn, day storage.PartitionID, delta int64) error {
	meta := partitionMeta{State: storage.PartitionOpen}
	item, err := txn.Get(metaKey(day))
	if err == nil {
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		}); err != nil {
			return err
		}
	} else if err != badger.ErrKeyNotFound {
		return err
	}

	meta.Rows += delta
	value, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return txn.Set(metaKey(day), value)
}

// Partitions lists every known day partition, oldest first.
func (s *Store) Partitions(ctx context.Context) ([]storage.PartitionInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var infos []storage.PartitionInfo
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte{prefixMeta}})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			day := parseMetaKey(it.Item().Key())
			var meta partitionMeta
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			}); err != nil {
				return err
			}
			infos = append(infos, storage.PartitionInfo{Day: day, State: meta.State, Rows: meta.Rows})
		}
		return nil
	})
	return infos, err
}

// Stats summarizes stored volume from partition metadata; it does not
// scan rows.
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

	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}

// RunGC runs BadgerDB's value log garbage collection to reclaim disk
// space freed by dropped partitions.
func (s *Store) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Close shuts down BadgerDB cleanly.
func (s *Store) Close() error {
	return s.db.Close()
}
