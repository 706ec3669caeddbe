package badger

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/statlake/statlake/pkg/storage"
)

// Query retrieves events matching the request. The whole read runs in
// one View transaction, so it observes a consistent snapshot: a
// concurrently committing batch is either fully visible or not at all.
func (s *Store) Query(ctx context.Context, q storage.Query) ([]storage.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	compressedDays := make([]storage.PartitionID, 0, len(s.compressed))
	for day := range s.compressed {
		if day.End().After(q.Start) && day.Start().Before(q.End) {
			compressedDays = append(compressedDays, day)
		}
	}
	s.mu.Unlock()

	var results []storage.StoredEvent
	err := s.db.View(func(txn *badger.Txn) error {
		open, err := s.queryOpen(ctx, txn, q)
		if err != nil {
			return err
		}
		results = open

		for _, day := range compressedDays {
			blockEvents, err := s.queryBlocks(ctx, txn, day, q)
			if err != nil {
				return err
			}
			results = append(results, blockEvents...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

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

// queryOpen scans uncompressed rows, going through the most selective
// index the query allows. Each index narrows the candidate set; the
// final Matches pass applies every remaining filter.
func (s *Store) queryOpen(ctx context.Context, txn *badger.Txn, q storage.Query) ([]storage.StoredEvent, error) {
	if len(q.PayloadEquals) > 0 {
		field, value := firstPayloadFilter(q.PayloadEquals)
		return s.scanIndex(ctx, txn, payloadIndexPrefix(field, value), q)
	}
	if q.UserID != nil {
		return s.scanIndex(ctx, txn, userIndexPrefix(*q.UserID), q)
	}
	if q.Service != "" {
		return s.scanIndex(ctx, txn, stringIndexPrefix(prefixServiceIdx, q.Service), q)
	}
	if len(q.Kinds) == 1 {
		return s.scanIndex(ctx, txn, stringIndexPrefix(prefixKindIdx, string(q.Kinds[0])), q)
	}
	return s.scanPrimary(ctx, txn, q)
}

// firstPayloadFilter picks a deterministic pair to drive the index scan.
func firstPayloadFilter(filters map[string]string) (string, string) {
	var field string
	for f := range filters {
		if field == "" || f < field {
			field = f
		}
	}
	return field, filters[field]
}

// scanIndex walks one secondary index. Index entries are ordered
// newest-first, so the scan skips entries past q.End and stops at the
// first entry older than q.Start.
func (s *Store) scanIndex(ctx context.Context, txn *badger.Txn, prefix []byte, q storage.Query) ([]storage.StoredEvent, error) {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()

	var results []storage.StoredEvent
	var iterCount int
	for it.Rewind(); it.Valid(); it.Next() {
		iterCount++
		if iterCount%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		suffix := it.Item().Key()[len(prefix):]
		ts := invTimestamp(suffix)
		if !ts.Before(q.End) {
			continue
		}
		if ts.Before(q.Start) {
			break
		}

		var primary []byte
		if err := it.Item().Value(func(val []byte) error {
			primary = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return nil, err
		}

		item, err := txn.Get(primary)
		if err == badger.ErrKeyNotFound {
			// Row compressed away between index write and read; the
			// block scan covers it.
			continue
		}
		if err != nil {
			return nil, err
		}
		ev, err := decodeStored(item)
		if err != nil {
			return nil, err
		}
		if q.Matches(ev) {
			results = append(results, ev)
		}
	}
	return results, nil
}

// scanPrimary walks raw rows day by day, seeking directly to q.Start
// inside each partition.
func (s *Store) scanPrimary(ctx context.Context, txn *badger.Txn, q storage.Query) ([]storage.StoredEvent, error) {
	var results []storage.StoredEvent
	lastDay := storage.PartitionOf(q.End.Add(-1))

	for day := storage.PartitionOf(q.Start); day <= lastDay; day++ {
		prefix := rowPrefix(day)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})

		var iterCount int
		for it.Seek(rowKey(day, q.Start, 0)); it.Valid(); it.Next() {
			iterCount++
			if iterCount%1000 == 0 {
				if err := ctx.Err(); err != nil {
					it.Close()
					return nil, err
				}
			}

			_, ts, _, err := parseRowKey(it.Item().Key())
			if err != nil {
				it.Close()
				return nil, err
			}
			if !ts.Before(q.End) {
				break
			}
			ev, err := decodeStored(it.Item())
			if err != nil {
				it.Close()
				return nil, err
			}
			if q.Matches(ev) {
				results = append(results, ev)
			}
		}
		it.Close()
	}
	return results, nil
}

// queryBlocks reads a compressed partition's blocks and filters their
// contents. Block headers let the scan skip whole blocks when the query
// pins kind or service.
func (s *Store) queryBlocks(ctx context.Context, txn *badger.Txn, day storage.PartitionID, q storage.Query) ([]storage.StoredEvent, error) {
	prefix := blockPrefix(day)
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()

	var results []storage.StoredEvent
	for it.Rewind(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var raw []byte
		if err := it.Item().Value(func(val []byte) error {
			raw = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return nil, err
		}
		block, err := decodeBlock(raw)
		if err != nil {
			return nil, err
		}
		if skipBlock(block, q) {
			continue
		}
		for _, ev := range block.Events {
			if q.Matches(ev) {
				results = append(results, ev)
			}
		}
	}
	return results, nil
}

func skipBlock(block compressedBlock, q storage.Query) bool {
	if q.Service != "" && block.Service != q.Service {
		return true
	}
	if len(q.Kinds) > 0 {
		found := false
		for _, k := range q.Kinds {
			if block.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return true
		}
	}
	return false
}

func decodeStored(item *badger.Item) (storage.StoredEvent, error) {
	var ev storage.StoredEvent
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &ev)
	})
	return ev, err
}
