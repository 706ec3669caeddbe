package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/statlake/statlake/pkg/event"
)

// ErrPartitionCompressed is returned when a write targets a partition
// that has already been converted to its read-only representation.
var ErrPartitionCompressed = errors.New("partition is compressed and read-only")

// Store defines the interface for raw event storage backends.
// Implementations: memory (testing), badger (production).
type Store interface {
	// AppendBatch bulk-writes one batch of enriched events and returns
	// the set of day partitions the batch touched. The whole batch is
	// committed atomically.
	AppendBatch(ctx context.Context, events []event.Enriched) ([]PartitionID, error)

	// Query retrieves events matching the request, merging open rows and
	// compressed partition blocks. Reads see a consistent snapshot and
	// never observe a partially committed batch.
	Query(ctx context.Context, q Query) ([]StoredEvent, error)

	// Partitions lists every known day partition and its state.
	Partitions(ctx context.Context) ([]PartitionInfo, error)

	// CompressPartition converts one day partition to its read-only
	// columnar representation. Idempotent; safe to retry after a failure.
	CompressPartition(ctx context.Context, day PartitionID) error

	// DropPartition removes a partition entirely as one metadata-cheap
	// unit. Only compressed partitions may be dropped.
	DropPartition(ctx context.Context, day PartitionID) error

	// Stats returns storage health and usage info.
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage.
	Close() error
}

// StoredEvent is one persisted raw row: the enriched event plus the
// monotonic surrogate id assigned at write time. (Timestamp, Seq) is
// the primary key.
type StoredEvent struct {
	Seq uint64 `json:"id"`
	event.Enriched
}

// Query specifies which raw events to retrieve.
type Query struct {
	// Time range, half-open [Start, End).
	Start time.Time
	End   time.Time

	// Filter by event kind (optional).
	Kinds []event.Kind

	// Filter by originating service (optional).
	Service string

	// Filter by actor (optional).
	UserID *uuid.UUID

	// Filter on arbitrary payload fields via the inverted index
	// (optional). All pairs must match.
	PayloadEquals map[string]string

	// Limit number of results (0 = no limit).
	Limit int

	// Descending returns newest-first ordering, the shape dashboards
	// ask for ("most recent N"). Default is time-ascending.
	Descending bool
}

// Matches reports whether a stored event satisfies the query filters.
// Shared by the memory backend and the badger post-filter pass.
func (q Query) Matches(ev StoredEvent) bool {
	if ev.Timestamp.Before(q.Start) || !ev.Timestamp.Before(q.End) {
		return false
	}
	if len(q.Kinds) > 0 {
		found := false
		for _, k := range q.Kinds {
			if ev.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Service != "" && ev.Service != q.Service {
		return false
	}
	if q.UserID != nil {
		if ev.UserID == nil || *ev.UserID != *q.UserID {
			return false
		}
	}
	for k, want := range q.PayloadEquals {
		got, ok := ev.PayloadString(k)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Stats provides storage health and usage info.
type Stats struct {
	// Total raw events currently stored.
	TotalEvents uint64

	// Number of day partitions, by state.
	OpenPartitions       int
	CompressedPartitions int

	// Storage size in bytes.
	SizeBytes uint64

	// Oldest and newest stored event timestamps.
	OldestEvent time.Time
	NewestEvent time.Time
}
