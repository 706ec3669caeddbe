package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/golang/snappy"

	"github.com/statlake/statlake/pkg/event"
	"github.com/statlake/statlake/pkg/storage"
)

// compressedBlock is the wire form of one (kind, service) group inside
// a compressed partition: all of that group's rows for the day, ordered
// newest-first, snappy-compressed as a single value.
type compressedBlock struct {
	Kind    event.Kind            `json:"kind"`
	Service string                `json:"service"`
	Events  []storage.StoredEvent `json:"events"`
}

func encodeBlock(block compressedBlock) ([]byte, error) {
	raw, err := json.Marshal(block)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func decodeBlock(data []byte) (compressedBlock, error) {
	var block compressedBlock
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return block, fmt.Errorf("failed to decompress block: %w", err)
	}
	err = json.Unmarshal(raw, &block)
	return block, err
}

// CompressPartition rewrites one day's rows into read-only snappy
// blocks grouped by (kind, service). The rewrite is staged so a day of
// any size fits under badger's per-transaction limit: the blocks commit
// first, row and index keys are deleted through a write batch that
// splits across as many transactions as needed, and the meta state
// flips last. A crash at any stage leaves the partition open, and the
// next attempt folds already-committed blocks back in before rewriting,
// so no stage can lose events.
func (s *Store) CompressPartition(ctx context.Context, day storage.PartitionID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.expired[day] {
		s.mu.Unlock()
		return fmt.Errorf("day %d: partition already expired", day)
	}
	if s.compressed[day] {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	rows, deletes, err := s.collectDay(ctx, day)
	if err != nil {
		return err
	}

	// Commit the blocks. Overwriting blocks from an earlier interrupted
	// attempt is safe; collectDay already merged their events back in.
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, block := range groupBlocks(rows) {
		value, err := encodeBlock(block)
		if err != nil {
			return err
		}
		if err := wb.Set(blockKey(day, block.Kind, block.Service), value); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return err
	}

	// Remove row and index keys; the blocks are now authoritative.
	del := s.db.NewWriteBatch()
	defer del.Cancel()
	for i, key := range deletes {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := del.Delete(key); err != nil {
			return err
		}
	}
	if err := del.Flush(); err != nil {
		return err
	}

	// Flip the state last. Queries switch from row keys to blocks only
	// once the rows are gone.
	err = s.db.Update(func(txn *badger.Txn) error {
		return s.setMetaState(txn, day, storage.PartitionCompressed, int64(len(rows)))
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.compressed[day] = true
	s.mu.Unlock()
	return nil
}

// collectDay gathers every event of the day in one snapshot: the open
// rows, plus any events that reached blocks during an interrupted
// earlier compression. It also returns all row and index keys to
// delete.
func (s *Store) collectDay(ctx context.Context, day storage.PartitionID) ([]storage.StoredEvent, [][]byte, error) {
	var rows []storage.StoredEvent
	var deletes [][]byte
	seen := make(map[uint64]bool)

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: rowPrefix(day)})
		for it.Rewind(); it.Valid(); it.Next() {
			if len(rows)%1000 == 0 {
				if err := ctx.Err(); err != nil {
					it.Close()
					return err
				}
			}
			ev, err := decodeStored(it.Item())
			if err != nil {
				it.Close()
				return err
			}
			rows = append(rows, ev)
			seen[ev.Seq] = true
			deletes = append(deletes, it.Item().KeyCopy(nil))
			deletes = append(deletes, indexKeysFor(ev)...)
		}
		it.Close()

		bit := txn.NewIterator(badger.IteratorOptions{Prefix: blockPrefix(day)})
		defer bit.Close()
		for bit.Rewind(); bit.Valid(); bit.Next() {
			data, err := bit.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			block, err := decodeBlock(data)
			if err != nil {
				return err
			}
			for _, ev := range block.Events {
				if !seen[ev.Seq] {
					rows = append(rows, ev)
					seen[ev.Seq] = true
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return rows, deletes, nil
}

// groupBlocks splits a day's events into one block per (kind, service),
// each ordered newest-first.
func groupBlocks(rows []storage.StoredEvent) []compressedBlock {
	groups := make(map[string][]storage.StoredEvent)
	for _, ev := range rows {
		gk := string(ev.Kind) + "|" + ev.Service
		groups[gk] = append(groups[gk], ev)
	}
	blocks := make([]compressedBlock, 0, len(groups))
	for _, group := range groups {
		sort.Slice(group, func(i, j int) bool {
			a, b := group[i], group[j]
			if !a.Timestamp.Equal(b.Timestamp) {
				return a.Timestamp.After(b.Timestamp)
			}
			return a.Seq > b.Seq
		})
		blocks = append(blocks, compressedBlock{Kind: group[0].Kind, Service: group[0].Service, Events: group})
	}
	return blocks
}

// DropPartition deletes a compressed partition's blocks and tombstones
// its metadata. Open partitions cannot be dropped; retention depends on
// compression having completed first.
func (s *Store) DropPartition(ctx context.Context, day storage.PartitionID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.expired[day] {
		s.mu.Unlock()
		return nil
	}
	if !s.compressed[day] {
		s.mu.Unlock()
		return fmt.Errorf("day %d: refusing to drop uncompressed partition", day)
	}
	s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		prefix := blockPrefix(day)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: false})
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return s.setMetaState(txn, day, storage.PartitionExpired, 0)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.compressed, day)
	s.expired[day] = true
	s.mu.Unlock()
	return nil
}

func (s *Store) setMetaState(txn *badger.Txn, day storage.PartitionID, state storage.PartitionState, rows int64) error {
	value, err := json.Marshal(partitionMeta{State: state, Rows: rows})
	if err != nil {
		return err
	}
	return txn.Set(metaKey(day), value)
}
