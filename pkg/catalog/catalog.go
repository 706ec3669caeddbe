// Package catalog is the administrative ledger of the pipeline: a
// sqlite database holding the partition manifest, the rollup tables,
// and the schema-migration history. Raw event bytes live in the badger
// store; everything a dashboard or an operator queries lives here.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/statlake/statlake/pkg/storage"
)

// Catalog wraps the sqlite database.
type Catalog struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the catalog database. WAL mode keeps rollup
// refresh transactions from blocking manifest reads.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to open database: %w", err)
	}
	// sqlite allows a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)

	return &Catalog{db: db, path: path}, nil
}

// DB exposes the underlying handle for rollup table reads and writes.
func (c *Catalog) DB() *sql.DB { return c.db }

// Close closes the catalog database.
func (c *Catalog) Close() error { return c.db.Close() }

// PartitionRecord is one row of the partition manifest.
type PartitionRecord struct {
	Day          storage.PartitionID
	State        storage.PartitionState
	CreatedAt    time.Time
	CompressedAt *time.Time
	DroppedAt    *time.Time
}

// EnsurePartitions registers newly touched day partitions. Re-registering
// a known day is a no-op, so the ingest path can call this per batch.
func (c *Catalog) EnsurePartitions(ctx context.Context, days []storage.PartitionID) error {
	if len(days) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, day := range days {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO partitions (day, state, created_at) VALUES (?, 'open', ?)`,
			int64(day), time.Now().UTC().Unix()); err != nil {
			return fmt.Errorf("catalog: failed to register partition %d: %w", day, err)
		}
	}
	return tx.Commit()
}

// Partitions lists the manifest, oldest first.
func (c *Catalog) Partitions(ctx context.Context) ([]PartitionRecord, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT day, state, created_at, compressed_at, dropped_at FROM partitions ORDER BY day`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []PartitionRecord
	for rows.Next() {
		var rec PartitionRecord
		var day, createdAt int64
		var state string
		var compressedAt, droppedAt sql.NullInt64
		if err := rows.Scan(&day, &state, &createdAt, &compressedAt, &droppedAt); err != nil {
			return nil, err
		}
		rec.Day = storage.PartitionID(day)
		rec.State = storage.PartitionState(state)
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		if compressedAt.Valid {
			t := time.Unix(compressedAt.Int64, 0).UTC()
			rec.CompressedAt = &t
		}
		if droppedAt.Valid {
			t := time.Unix(droppedAt.Int64, 0).UTC()
			rec.DroppedAt = &t
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MarkCompressed records that a partition's physical compression
// completed.
func (c *Catalog) MarkCompressed(ctx context.Context, day storage.PartitionID) error {
	return c.setState(ctx, day, storage.PartitionCompressed, "compressed_at")
}

// MarkDropped records that a partition was dropped.
func (c *Catalog) MarkDropped(ctx context.Context, day storage.PartitionID) error {
	return c.setState(ctx, day, storage.PartitionExpired, "dropped_at")
}

func (c *Catalog) setState(ctx context.Context, day storage.PartitionID, state storage.PartitionState, tsColumn string) error {
	res, err := c.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE partitions SET state = ?, %s = ? WHERE day = ?`, tsColumn),
		string(state), time.Now().UTC().Unix(), int64(day))
	if err != nil {
		return fmt.Errorf("catalog: failed to mark partition %d %s: %w", day, state, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("catalog: partition %d not registered", day)
	}
	return nil
}
