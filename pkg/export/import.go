package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/statlake/statlake/pkg/event"
	"github.com/statlake/statlake/pkg/storage"
)

// MaxImportBatchSize bounds one bulk append during restore.
const MaxImportBatchSize = 5000

// Importer restores events from a JSON archive.
type Importer struct {
	store storage.Store
}

// NewImporter creates an importer.
func NewImporter(store storage.Store) *Importer {
	return &Importer{store: store}
}

// ImportResult reports what a restore did.
type ImportResult struct {
	EventsImported int       `json:"events_imported"`
	EventsSkipped  int       `json:"events_skipped"`
	BatchesWritten int       `json:"batches_written"`
	ImportedAt     time.Time `json:"imported_at"`
	Errors         []string  `json:"errors,omitempty"`
}

// ImportJSON restores an archive. Events are re-appended with fresh
// surrogate ids, grouped per day partition so a batch targeting a
// compressed day is skipped whole rather than failing the restore.
func (im *Importer) ImportJSON(ctx context.Context, r io.Reader) (*ImportResult, error) {
	var archive Archive
	if err := json.NewDecoder(r).Decode(&archive); err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}
	if archive.Metadata.Version != archiveVersion {
		return nil, fmt.Errorf("unsupported archive version %q", archive.Metadata.Version)
	}

	byDay := make(map[storage.PartitionID][]event.Enriched)
	for _, ev := range archive.Events {
		day := storage.PartitionOf(ev.Timestamp)
		byDay[day] = append(byDay[day], ev.Enriched)
	}

	result := &ImportResult{ImportedAt: time.Now().UTC()}
	for day, events := range byDay {
		for start := 0; start < len(events); start += MaxImportBatchSize {
			end := start + MaxImportBatchSize
			if end > len(events) {
				end = len(events)
			}
			chunk := events[start:end]
			if _, err := im.store.AppendBatch(ctx, chunk); err != nil {
				if errors.Is(err, storage.ErrPartitionCompressed) {
					result.EventsSkipped += len(chunk)
					result.Errors = append(result.Errors,
						fmt.Sprintf("day %d: partition is read-only, skipped %d events", day, len(chunk)))
					continue
				}
				return nil, fmt.Errorf("append day %d: %w", day, err)
			}
			result.EventsImported += len(chunk)
			result.BatchesWritten++
		}
	}
	return result, nil
}
