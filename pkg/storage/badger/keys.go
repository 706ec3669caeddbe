package badger

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/statlake/statlake/pkg/event"
	"github.com/statlake/statlake/pkg/storage"
)

// Key space layout. Every key starts with a one-byte prefix so whole
// families can be scanned or dropped with a single prefix iteration.
//
//	e | day (4B) | ts nanos (8B) | seq (8B)          raw event row
//	k | kind\x00    | ^ts (8B) | seq (8B)            kind index → row key
//	s | service\x00 | ^ts (8B) | seq (8B)            service index → row key
//	u | user (16B)  | ^ts (8B) | seq (8B)            actor index → row key
//	p | h(f=v) (8B) | ^ts (8B) | seq (8B)            payload index → row key
//	c | day (4B) | h(kind|service) (8B)              compressed block
//	m | day (4B)                                     partition metadata
//	q                                                last assigned seq
//
// Index keys store inverted timestamps (^ts) so a forward iteration
// yields time-descending rows, matching the "most recent N" access
// pattern without a reverse iterator.
const (
	prefixRow        = 'e'
	prefixKindIdx    = 'k'
	prefixServiceIdx = 's'
	prefixUserIdx    = 'u'
	prefixPayloadIdx = 'p'
	prefixBlock      = 'c'
	prefixMeta       = 'm'
	keySeqCounter    = "q"
)

func rowKey(day storage.PartitionID, ts time.Time, seq uint64) []byte {
	key := make([]byte, 1+4+8+8)
	key[0] = prefixRow
	binary.BigEndian.PutUint32(key[1:5], uint32(day))
	binary.BigEndian.PutUint64(key[5:13], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint64(key[13:21], seq)
	return key
}

// parseRowKey extracts the primary key fields back out of a row key.
func parseRowKey(key []byte) (day storage.PartitionID, ts time.Time, seq uint64, err error) {
	if len(key) != 21 || key[0] != prefixRow {
		return 0, time.Time{}, 0, fmt.Errorf("malformed row key (%d bytes)", len(key))
	}
	day = storage.PartitionID(binary.BigEndian.Uint32(key[1:5]))
	ts = time.Unix(0, int64(binary.BigEndian.Uint64(key[5:13]))).UTC()
	seq = binary.BigEndian.Uint64(key[13:21])
	return day, ts, seq, nil
}

func rowPrefix(day storage.PartitionID) []byte {
	key := make([]byte, 1+4)
	key[0] = prefixRow
	binary.BigEndian.PutUint32(key[1:5], uint32(day))
	return key
}

func indexSuffix(ts time.Time, seq uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], ^uint64(ts.UnixNano()))
	binary.BigEndian.PutUint64(buf[8:16], seq)
	return buf
}

// invTimestamp recovers the timestamp from an index key suffix.
func invTimestamp(suffix []byte) time.Time {
	return time.Unix(0, int64(^binary.BigEndian.Uint64(suffix[0:8]))).UTC()
}

func stringIndexKey(prefix byte, value string, ts time.Time, seq uint64) []byte {
	key := make([]byte, 0, 1+len(value)+1+16)
	key = append(key, prefix)
	key = append(key, value...)
	key = append(key, 0)
	return append(key, indexSuffix(ts, seq)...)
}

func stringIndexPrefix(prefix byte, value string) []byte {
	key := make([]byte, 0, 1+len(value)+1)
	key = append(key, prefix)
	key = append(key, value...)
	return append(key, 0)
}

func userIndexKey(user [16]byte, ts time.Time, seq uint64) []byte {
	key := make([]byte, 0, 1+16+16)
	key = append(key, prefixUserIdx)
	key = append(key, user[:]...)
	return append(key, indexSuffix(ts, seq)...)
}

func userIndexPrefix(user [16]byte) []byte {
	key := make([]byte, 0, 1+16)
	key = append(key, prefixUserIdx)
	return append(key, user[:]...)
}

// payloadFieldHash collapses one field=value pair into the 8-byte bucket
// used by the inverted payload index. Hash collisions are tolerated:
// the index narrows the scan and the post-filter re-checks the field.
func payloadFieldHash(field, value string) uint64 {
	return xxhash.Sum64String(field + "=" + value)
}

func payloadIndexKey(field, value string, ts time.Time, seq uint64) []byte {
	key := make([]byte, 1+8, 1+8+16)
	key[0] = prefixPayloadIdx
	binary.BigEndian.PutUint64(key[1:9], payloadFieldHash(field, value))
	return append(key, indexSuffix(ts, seq)...)
}

func payloadIndexPrefix(field, value string) []byte {
	key := make([]byte, 1+8)
	key[0] = prefixPayloadIdx
	binary.BigEndian.PutUint64(key[1:9], payloadFieldHash(field, value))
	return key
}

func blockKey(day storage.PartitionID, kind event.Kind, service string) []byte {
	key := make([]byte, 1+4+8)
	key[0] = prefixBlock
	binary.BigEndian.PutUint32(key[1:5], uint32(day))
	binary.BigEndian.PutUint64(key[5:13], xxhash.Sum64String(string(kind)+"|"+service))
	return key
}

func blockPrefix(day storage.PartitionID) []byte {
	key := make([]byte, 1+4)
	key[0] = prefixBlock
	binary.BigEndian.PutUint32(key[1:5], uint32(day))
	return key
}

func metaKey(day storage.PartitionID) []byte {
	key := make([]byte, 1+4)
	key[0] = prefixMeta
	binary.BigEndian.PutUint32(key[1:5], uint32(day))
	return key
}

func parseMetaKey(key []byte) storage.PartitionID {
	return storage.PartitionID(binary.BigEndian.Uint32(key[1:5]))
}

// indexKeysFor returns every secondary index key that references a row.
// Used on write, and again during compression to remove them.
func indexKeysFor(ev storage.StoredEvent) [][]byte {
	keys := [][]byte{
		stringIndexKey(prefixKindIdx, string(ev.Kind), ev.Timestamp, ev.Seq),
		stringIndexKey(prefixServiceIdx, ev.Service, ev.Timestamp, ev.Seq),
	}
	if ev.UserID != nil {
		keys = append(keys, userIndexKey(*ev.UserID, ev.Timestamp, ev.Seq))
	}
	for field, v := range ev.Payload {
		s, ok := v.(string)
		if !ok {
			continue
		}
		keys = append(keys, payloadIndexKey(field, s, ev.Timestamp, ev.Seq))
	}
	return keys
}
